package swap

import "fmt"

// Update applies a snapshot of the counterparty's copy of this swap. Checks
// run in order: identity, secret hash, status, then party records. Outcome
// fields are only ever filled, never replaced. On error the swap is left
// unchanged.
func (s *Swap) Update(remote *Swap) error {
	if remote == nil {
		return fmt.Errorf("%w: empty snapshot for swap %s", ErrValidation, s.id)
	}
	if remote.id != s.id {
		return fmt.Errorf("%w: snapshot %s applied to swap %s", ErrIdentityMismatch, remote.id, s.id)
	}
	if remote.holder == nil || remote.seeker == nil {
		return fmt.Errorf("%w: snapshot for swap %s is missing a party", ErrValidation, s.id)
	}
	for _, pair := range [][2]*Party{{s.holder, remote.holder}, {s.seeker, remote.seeker}} {
		if !pair[0].sameIdentity(pair[1]) {
			return fmt.Errorf("%w: %s identity differs in swap %s", ErrIdentityMismatch, pair[0].Role(), s.id)
		}
	}
	if remote.secretHash == "" {
		return fmt.Errorf("%w: snapshot for swap %s has no secret hash", ErrSecretHashMismatch, s.id)
	}
	if s.secretHash != "" && s.secretHash != remote.secretHash {
		return fmt.Errorf("%w: swap %s", ErrSecretHashMismatch, s.id)
	}
	if remote.status <= s.status {
		return fmt.Errorf("%w: %s -> %s for swap %s", ErrInvalidTransition, s.status, remote.status, s.id)
	}
	if !remote.status.Valid() {
		return fmt.Errorf("%w: unknown status for swap %s", ErrInvalidTransition, s.id)
	}

	holder := s.holder.clone(s)
	if err := holder.Merge(remote.holder); err != nil {
		return fmt.Errorf("swap %s: %w", s.id, err)
	}
	seeker := s.seeker.clone(s)
	if err := seeker.Merge(remote.seeker); err != nil {
		return fmt.Errorf("swap %s: %w", s.id, err)
	}

	s.holder.adopt(holder)
	s.seeker.adopt(seeker)
	s.status = remote.status
	s.secretHash = remote.secretHash
	return nil
}

func (p *Party) adopt(o *Party) {
	p.invoice, p.payment, p.receipt = o.invoice, o.payment, o.receipt
}

package swap

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStatusOrder(t *testing.T) {
	want := []string{
		"received",
		"created",
		"holder.invoice.created",
		"holder.invoice.sent",
		"seeker.invoice.created",
		"seeker.invoice.sent",
		"holder.invoice.paid",
		"seeker.invoice.paid",
		"holder.invoice.settled",
		"seeker.invoice.settled",
	}

	statuses := Statuses()
	if len(statuses) != len(want) {
		t.Fatalf("len(Statuses()) = %d, want %d", len(statuses), len(want))
	}
	for i, st := range statuses {
		if st.String() != want[i] {
			t.Errorf("Statuses()[%d] = %s, want %s", i, st, want[i])
		}
		if i > 0 && st <= statuses[i-1] {
			t.Errorf("%s is not after %s", st, statuses[i-1])
		}
	}
}

func TestStatusNext(t *testing.T) {
	for _, st := range Statuses() {
		next, ok := st.Next()
		if st.Terminal() {
			if ok {
				t.Errorf("%s.Next() = %s, want none", st, next)
			}
			continue
		}
		if !ok || next != st+1 {
			t.Errorf("%s.Next() = %s, %v", st, next, ok)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	for _, st := range Statuses() {
		data, err := json.Marshal(st)
		if err != nil {
			t.Fatalf("Marshal(%s) error = %v", st, err)
		}
		var got Status
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if got != st {
			t.Errorf("round trip of %s = %s", st, got)
		}
	}

	var st Status
	if err := json.Unmarshal([]byte(`"abort"`), &st); !errors.Is(err, ErrValidation) {
		t.Errorf("Unmarshal(abort) error = %v, want ErrValidation", err)
	}
	if _, err := json.Marshal(Status(42)); err == nil {
		t.Error("Marshal(Status(42)) should fail")
	}
}

package sshadapter

import "testing"

func TestChallengeBrokerResolvesFIFO(t *testing.T) {
	b := NewChallengeBroker()

	first := b.ask()
	second := b.ask()

	b.Respond([]string{"one"})
	b.Respond([]string{"two"})

	got1 := <-first
	got2 := <-second

	if len(got1) != 1 || got1[0] != "one" {
		t.Fatalf("first = %v, want [one]", got1)
	}
	if len(got2) != 1 || got2[0] != "two" {
		t.Fatalf("second = %v, want [two]", got2)
	}
}

func TestChallengeBrokerDropsLateResponse(t *testing.T) {
	b := NewChallengeBroker()
	// No pending challenge: Respond must not panic or block.
	b.Respond([]string{"nobody listening"})
}

func TestChallengeBrokerCloseAbortsPending(t *testing.T) {
	b := NewChallengeBroker()
	ch := b.ask()

	b.Close()

	resp, ok := <-ch
	if ok {
		t.Fatalf("expected closed channel, got response %v", resp)
	}
}

func TestChallengeBrokerAskAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewChallengeBroker()
	b.Close()

	ch := b.ask()
	resp, ok := <-ch
	if ok {
		t.Fatalf("expected closed channel, got response %v", resp)
	}
}

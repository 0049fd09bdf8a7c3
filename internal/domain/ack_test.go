package domain

import "testing"

func TestSupersedes(t *testing.T) {
	cases := []struct {
		prev, next AckType
		want       bool
	}{
		{AckEnqueued, AckServer, true},
		{AckServer, AckDelivery, true},
		{AckDelivery, AckRead, true},
		{AckRead, AckServer, false},
		{AckRead, AckDelivery, false},
		{AckDelivery, AckDelivery, false},
		{AckRead, AckNumberInvalid, true},
		{AckNumberInvalid, AckRead, false},
		{AckNumberInvalid, AckNumberInvalid, false},
		{AckError, AckUnmapped, true},
	}
	for _, c := range cases {
		if got := Supersedes(c.prev, c.next); got != c.want {
			t.Fatalf("Supersedes(%s, %s) = %v, want %v", c.prev, c.next, got, c.want)
		}
	}
}

func TestTopic(t *testing.T) {
	if got := Topic(ProviderMeta, KindStatus); got != "meta.status" {
		t.Fatalf("unexpected topic %q", got)
	}
}

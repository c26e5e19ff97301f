package queue

import (
	"encoding/json"
	"testing"
)

func TestSubjectNamingIsStablePerGroup(t *testing.T) {
	if got := subjectFor("g1"); got != "gw.g1.core.v1.$client" {
		t.Fatalf("unexpected subject: %s", got)
	}
	if got := streamName("g1"); got != "GW_g1" {
		t.Fatalf("unexpected stream name: %s", got)
	}
	if got := consumerName("g1"); got != "worker-g1" {
		t.Fatalf("unexpected consumer name: %s", got)
	}
}

func TestSubjectNamingDistinguishesGroups(t *testing.T) {
	if subjectFor("g1") == subjectFor("g2") {
		t.Fatalf("expected distinct subjects per group")
	}
}

func TestMalformedQueueEnvelopeFailsDecode(t *testing.T) {
	var env struct {
		Meta struct {
			ID string `json:"id"`
		} `json:"meta"`
	}
	bad := []byte(`{not json`)
	if err := json.Unmarshal(bad, &env); err == nil {
		t.Fatalf("expected decode error for malformed payload, Fetch relies on this to Term() and skip")
	}
}

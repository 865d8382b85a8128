package main

import (
	"testing"

	"github.com/codewiresh/esrpc/internal/servicemodel"
)

func TestJournalBody(t *testing.T) {
	ok := servicemodel.RawMessage{Type: "Echo-Response", Data: []byte(`{"msg":"hi"}`)}
	if got := string(journalBody(ok)); got != `{"msg":"hi"}` {
		t.Fatalf("journalBody = %s", got)
	}

	broken := servicemodel.RawMessage{Type: "Echo-Response", Data: []byte(`{"msg":`)}
	if got := journalBody(broken); got != nil {
		t.Fatalf("journalBody of invalid JSON = %q, want nil", got)
	}
}

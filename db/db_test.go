package db

import (
	"context"
	"testing"
)

func TestConnectRejectsEmptyURL(t *testing.T) {
	if _, err := Connect(context.Background(), "", 4); err == nil {
		t.Fatal("expected error for empty database URL")
	}
}

func TestConnectRejectsMalformedURL(t *testing.T) {
	// Must fail fast on a parse error, before entering the retry loop.
	if _, err := Connect(context.Background(), "☃://not a url", 4); err == nil {
		t.Fatal("expected error for malformed database URL")
	}
}

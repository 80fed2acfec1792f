package main

import (
	"reflect"
	"testing"
	"time"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://bridge.example/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if want := "wss://bridge.example/base/v1/session/ws?bridge_session=abc"; got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}
	if _, err := wsURLForSession("ftp://bridge.example", "abc"); err == nil {
		t.Fatalf("wsURLForSession() expected error for ftp scheme")
	}
}

func TestPercentile(t *testing.T) {
	values := []time.Duration{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	if got := percentile(values, 50); got != 5 {
		t.Fatalf("percentile(50) = %v, want 5", got)
	}
	if got := percentile(values, 95); got != 10 {
		t.Fatalf("percentile(95) = %v, want 10", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestSplitTexts(t *testing.T) {
	got := splitTexts(" hi | | there ")
	if want := []string{"hi", "there"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("splitTexts() = %q, want %q", got, want)
	}
}

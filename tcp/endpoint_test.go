package tcp

import "testing"

func TestEndpointParseRoundTrip(t *testing.T) {
	cases := []struct{ in, want string }{
		{"[0:0:0:0:0:0:0:1]:7777", "[0:0:0:0:0:0:0:1]:7777"},
		{"[fe80:0:0:0:0:0:0:1]:0", "[fe80:0:0:0:0:0:0:1]"}, // String omits a zero port.
		{"[0:0:0:0:0:0:0:0]", "[0:0:0:0:0:0:0:0]"},
		{"[0:0:0:0:0:0:0:1]:80%3", "[0:0:0:0:0:0:0:1]:80%3"},
	}
	for _, c := range cases {
		ep, err := ParseEndpoint(c.in)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q) error: %v", c.in, err)
		}
		if got := ep.String(); got != c.want {
			t.Errorf("round-trip mismatch: ParseEndpoint(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEndpointParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"no-brackets",
		"[1:2:3]:80",          // too few groups.
		"[0:0:0:0:0:0:0:g]:80", // non-hex group.
		"[0:0:0:0:0:0:0:1]:bad",
	}
	for _, s := range cases {
		if _, err := ParseEndpoint(s); err == nil {
			t.Errorf("ParseEndpoint(%q) accepted invalid input", s)
		}
	}
}

func TestEndpointIsZero(t *testing.T) {
	var e Endpoint
	if !e.IsZero() {
		t.Error("zero-value Endpoint must report IsZero")
	}
	e.Port = 1
	if e.IsZero() {
		t.Error("Endpoint with a port set must not report IsZero")
	}
}

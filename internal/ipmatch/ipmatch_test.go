package ipmatch

import "testing"

func TestWhitelist_ExactIP(t *testing.T) {
	w := Parse([]string{"10.0.0.5"})
	if !w.Contains("10.0.0.5") {
		t.Error("expected exact IP to match")
	}
	if w.Contains("10.0.0.6") {
		t.Error("unrelated IP should not match a bare-IP entry")
	}
}

func TestWhitelist_CIDR(t *testing.T) {
	w := Parse([]string{"192.168.1.0/24"})
	if !w.Contains("192.168.1.42") {
		t.Error("expected address inside the CIDR to match")
	}
	if w.Contains("192.168.2.1") {
		t.Error("address outside the CIDR should not match")
	}
}

func TestWhitelist_IPv6(t *testing.T) {
	w := Parse([]string{"2001:db8::/32"})
	if !w.Contains("2001:db8::1") {
		t.Error("expected IPv6 address inside prefix to match")
	}
	if w.Contains("2001:db9::1") {
		t.Error("IPv6 address outside prefix should not match")
	}
}

func TestWhitelist_CrossFamilyNeverMatches(t *testing.T) {
	w := Parse([]string{"10.0.0.0/8"})
	if w.Contains("::ffff:10.0.0.1") {
		t.Error("an IPv6-mapped address must not match an IPv4 prefix")
	}
}

func TestWhitelist_MalformedEntrySkipped(t *testing.T) {
	w := Parse([]string{"not-an-ip", "10.0.0.0/8"})
	if !w.Contains("10.0.0.1") {
		t.Error("a valid entry alongside a malformed one should still work")
	}
	if w.Contains("not-an-ip") {
		t.Error("malformed entries never match anything")
	}
}

func TestWhitelist_NilReceiver(t *testing.T) {
	var w *Whitelist
	if w.Contains("10.0.0.1") {
		t.Error("nil whitelist should never match")
	}
}

func TestWhitelist_EmptyInput(t *testing.T) {
	w := Parse(nil)
	if w.Contains("10.0.0.1") {
		t.Error("empty whitelist should never match")
	}
}

func TestWhitelist_InvalidIPQueryNeverMatches(t *testing.T) {
	w := Parse([]string{"0.0.0.0/0"})
	if w.Contains("not-an-ip") {
		t.Error("an unparsable query address should never match")
	}
}

package forwarder

import "testing"

func TestReplyClassification(t *testing.T) {
	cases := []struct {
		code               int
		ok, temp, permanent bool
	}{
		{250, true, false, false},
		{354, false, false, false},
		{450, false, true, false},
		{550, false, false, true},
	}
	for _, c := range cases {
		r := reply{Code: c.code, Msg: "x"}
		if r.ok() != c.ok {
			t.Errorf("reply{%d}.ok() = %v, want %v", c.code, r.ok(), c.ok)
		}
		if r.Temporary() != c.temp {
			t.Errorf("reply{%d}.Temporary() = %v, want %v", c.code, r.Temporary(), c.temp)
		}
		if r.Permanent() != c.permanent {
			t.Errorf("reply{%d}.Permanent() = %v, want %v", c.code, r.Permanent(), c.permanent)
		}
	}
}

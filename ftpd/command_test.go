package ftpd

import "testing"

func TestParseCommandBareVerb(t *testing.T) {
	cmd, err := ParseCommand("NOOP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Verb != VerbNOOP {
		t.Errorf("got verb %q, want NOOP", cmd.Verb)
	}
}

func TestParseCommandLowercaseVerbUppercased(t *testing.T) {
	cmd, err := ParseCommand("user anonymous")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Verb != VerbUSER {
		t.Errorf("got verb %q, want USER", cmd.Verb)
	}
	if cmd.Path != "anonymous" {
		t.Errorf("got path %q, want anonymous", cmd.Path)
	}
}

func TestParseCommandEmptyLine(t *testing.T) {
	_, err := ParseCommand("")
	if err == nil {
		t.Fatal("expected error for empty command line")
	}
}

func TestParseCommandREST(t *testing.T) {
	cmd, err := ParseCommand("REST 4096")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Offset != 4096 {
		t.Errorf("got offset %d, want 4096", cmd.Offset)
	}
}

func TestParseCommandRESTInvalid(t *testing.T) {
	if _, err := ParseCommand("REST abc"); err == nil {
		t.Fatal("expected error for non-numeric REST argument")
	}
}

func TestParseCommandPORT(t *testing.T) {
	cmd, err := ParseCommand("PORT 127,0,0,1,19,136")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.PortAddr == nil {
		t.Fatal("expected non-nil PortAddr")
	}
	if cmd.PortAddr.IP.String() != "127.0.0.1" {
		t.Errorf("got IP %s, want 127.0.0.1", cmd.PortAddr.IP)
	}
	wantPort := 19*256 + 136
	if cmd.PortAddr.Port != wantPort {
		t.Errorf("got port %d, want %d", cmd.PortAddr.Port, wantPort)
	}
}

func TestParseCommandPORTMalformed(t *testing.T) {
	cases := []string{"1,2,3,4,5", "1,2,3,4,5,6,7", "a,b,c,d,e,f", "1,2,3,4,5,300"}
	for _, arg := range cases {
		if _, err := ParseCommand("PORT " + arg); err == nil {
			t.Errorf("PORT %q: expected error", arg)
		}
	}
}

func TestParseCommandPathVerbs(t *testing.T) {
	cmd, err := ParseCommand("CWD /pub/incoming")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Path != "/pub/incoming" {
		t.Errorf("got path %q, want /pub/incoming", cmd.Path)
	}
}

func TestCommandIsTransferInitiating(t *testing.T) {
	transferVerbs := []Verb{VerbRETR, VerbSTOR, VerbSTOU, VerbLIST, VerbNLST, VerbAPPE}
	for _, v := range transferVerbs {
		if !(Command{Verb: v}).IsTransferInitiating() {
			t.Errorf("%s: expected IsTransferInitiating true", v)
		}
	}
	nonTransferVerbs := []Verb{VerbUSER, VerbPASS, VerbQUIT, VerbPWD, VerbCWD}
	for _, v := range nonTransferVerbs {
		if (Command{Verb: v}).IsTransferInitiating() {
			t.Errorf("%s: expected IsTransferInitiating false", v)
		}
	}
}

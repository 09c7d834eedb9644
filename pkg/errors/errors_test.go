package errors

import (
	"fmt"
	"strings"
	"testing"

	"xlate/pkg/types"
)

func TestClassification(t *testing.T) {
	fault := &GuestFault{Addr: 0x2000, Access: types.AccessExec, Reason: "page not mapped"}
	tests := []struct {
		name        string
		err         error
		fatal       bool
		translation bool
		guestFault  bool
	}{
		{"config", ConfigErrorf("bad host %q", "sparc"), true, false, false},
		{"wrapped config", Wrapf(WrapConfigError(fmt.Errorf("open"), "config file"), "startup"), true, false, false},
		{"consistency", ConsistencyErrorf("reclaimed block %d reached", 3), true, false, false},
		{"translation", TranslationErrorf(0x1000, ReasonDecode, "undefined"), false, true, false},
		{"fetch", WrapTranslationError(fault, 0x2000, ReasonFetch), false, true, true},
		{"builder", &BuilderMisuseError{Op: "emit", Message: "after finalize"}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
			if got := IsTranslationError(tt.err); got != tt.translation {
				t.Errorf("IsTranslationError = %v, want %v", got, tt.translation)
			}
			if got := IsGuestFault(tt.err); got != tt.guestFault {
				t.Errorf("IsGuestFault = %v, want %v", got, tt.guestFault)
			}
		})
	}
}

func TestTranslationErrorMessage(t *testing.T) {
	fault := &GuestFault{Addr: 0x2000, Access: types.AccessExec, Reason: "page not mapped"}
	err := Wrapf(WrapTranslationError(fault, 0x1ffc, ReasonFetch), "context %d", 2)

	var te *TranslationError
	if !As(err, &te) || te.PC != 0x1ffc || te.Reason != ReasonFetch {
		t.Fatalf("As(TranslationError) = %+v", te)
	}
	var gf *GuestFault
	if !As(err, &gf) || gf != fault {
		t.Fatalf("As(GuestFault) = %+v", gf)
	}
	for _, want := range []string{"context 2", "0x1ffc", "fetch", "page not mapped"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%q does not mention %q", err, want)
		}
	}
	if !Is(err, fault) {
		t.Error("Is(err, fault) = false")
	}
}

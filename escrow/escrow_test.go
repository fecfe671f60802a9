package escrow

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/kawsbot/a2a-pay/identity"
)

func ident(b byte) identity.Identity {
	var id identity.Identity
	for i := range id {
		id[i] = b
	}
	return id
}

func TestDerive_Deterministic(t *testing.T) {
	c, p := ident(1), ident(2)
	a1, err := Derive(c, p, "translation")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, _ := Derive(c, p, "translation")
	if a1 != a2 {
		t.Fatalf("expected identical addresses, got %s and %s", a1, a2)
	}
}

func TestDerive_DistinctInputsDistinctAddresses(t *testing.T) {
	c, p := ident(1), ident(2)
	base, _ := Derive(c, p, "translation")

	variants := map[string][3]any{
		"swapped roles":  {p, c, "translation"},
		"other client":   {ident(3), p, "translation"},
		"other provider": {c, ident(3), "translation"},
		"other service":  {c, p, "translations"},
		"empty service":  {c, p, ""},
	}
	for name, v := range variants {
		got, err := Derive(v[0].(identity.Identity), v[1].(identity.Identity), v[2].(string))
		if err != nil {
			t.Fatalf("%s: derive: %v", name, err)
		}
		if got == base {
			t.Errorf("%s: expected a different address", name)
		}
	}
}

func TestDerive_DescriptorLimit(t *testing.T) {
	c, p := ident(1), ident(2)
	if _, err := Derive(c, p, strings.Repeat("x", MaxServiceDescriptorLen)); err != nil {
		t.Fatalf("expected %d-byte descriptor to be accepted, got %v", MaxServiceDescriptorLen, err)
	}

	_, err := Derive(c, p, strings.Repeat("x", MaxServiceDescriptorLen+1))
	if !errors.Is(err, ErrServiceDescriptorTooLong) {
		t.Fatalf("expected ErrServiceDescriptorTooLong, got %v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != TextServiceDescriptorTooLong || rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("unexpected envelope %s/%s", rich.Category, rich.TextCode)
	}
}

func TestRecordEncode_Layout(t *testing.T) {
	rec := Record{
		Client:            ident(1),
		Provider:          ident(2),
		Amount:            1000,
		Status:            StatusDelivered,
		ServiceDescriptor: "translation",
		CreatedAt:         1700000000,
	}
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != RecordSize(rec.ServiceDescriptor) {
		t.Fatalf("expected %d bytes, got %d", RecordSize(rec.ServiceDescriptor), len(data))
	}
	if RecordSize("") != 8+32+32+8+1+4+8 {
		t.Fatalf("unexpected fixed size %d", RecordSize(""))
	}
	if !bytes.Equal(data[:8], recordTag[:]) {
		t.Fatalf("record must start with schema tag")
	}
	if data[8] != 1 || data[40] != 2 {
		t.Fatalf("client/provider not at expected offsets")
	}
	if data[80] != byte(StatusDelivered) {
		t.Fatalf("status byte at offset 80 = %d", data[80])
	}
	if data[81] != byte(len("translation")) {
		t.Fatalf("descriptor length prefix = %d", data[81])
	}

	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rec {
		t.Fatalf("decoded %+v, want %+v", got, rec)
	}
}

func TestDecodeRecord_RejectsCorruptData(t *testing.T) {
	rec := Record{Client: ident(1), Provider: ident(2), Amount: 5, ServiceDescriptor: "svc", CreatedAt: 1}
	good, _ := rec.Encode()

	badTag := bytes.Clone(good)
	badTag[0] ^= 0xff
	badStatus := bytes.Clone(good)
	badStatus[80] = 9
	longDesc := bytes.Clone(good)
	longDesc[81] = MaxServiceDescriptorLen + 1

	cases := map[string][]byte{
		"empty":         nil,
		"truncated":     good[:len(good)-1],
		"trailing":      append(bytes.Clone(good), 0),
		"tag":           badTag,
		"status":        badStatus,
		"length prefix": longDesc,
	}
	for name, data := range cases {
		if _, err := DecodeRecord(data); !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("%s: expected ErrCorruptRecord, got %v", name, err)
		}
	}
}

func TestTransition_Table(t *testing.T) {
	type edge struct {
		op   Operation
		from Status
	}
	valid := map[edge]Status{
		{OpCompleteService, StatusCreated}:  StatusDelivered,
		{OpReleasePayment, StatusDelivered}: StatusReleased,
		{OpDispute, StatusCreated}:          StatusDisputed,
		{OpDispute, StatusDelivered}:        StatusDisputed,
	}

	for _, op := range []Operation{OpCreate, OpCompleteService, OpReleasePayment, OpDispute} {
		for _, from := range []Status{StatusCreated, StatusDelivered, StatusReleased, StatusDisputed} {
			next, err := Transition(op, from)
			want, ok := valid[edge{op, from}]
			if ok {
				if err != nil || next != want {
					t.Errorf("%s from %s: want %s, got %s (%v)", op, from, want, next, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidStatus) {
				t.Errorf("%s from %s: expected ErrInvalidStatus, got %v", op, from, err)
			}
			if next != from {
				t.Errorf("%s from %s: rejected transition must leave status, got %s", op, from, next)
			}
		}
	}
}

func TestAllowed_TerminalStatesHaveNoOperations(t *testing.T) {
	for _, s := range []Status{StatusReleased, StatusDisputed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if ops := Allowed(s); len(ops) != 0 {
			t.Errorf("%s: expected no operations, got %v", s, ops)
		}
	}
	if ops := Allowed(StatusCreated); len(ops) != 2 {
		t.Errorf("created: expected complete and dispute, got %v", ops)
	}
}

func TestAuthorize(t *testing.T) {
	c, p, x := ident(1), ident(2), ident(3)
	rec := Record{Client: c, Provider: p, Amount: 10, ServiceDescriptor: "svc"}
	addr, _ := Derive(c, p, "svc")
	other, _ := Derive(c, p, "other")

	cases := []struct {
		name         string
		op           Operation
		caller       identity.Identity
		addr         Address
		counterparty identity.Identity
		ok           bool
	}{
		{"provider completes", OpCompleteService, p, addr, identity.Identity{}, true},
		{"client cannot complete", OpCompleteService, c, addr, identity.Identity{}, false},
		{"client releases", OpReleasePayment, c, addr, p, true},
		{"provider cannot release", OpReleasePayment, p, addr, identity.Identity{}, false},
		{"release to wrong provider", OpReleasePayment, c, addr, x, false},
		{"client disputes", OpDispute, c, addr, identity.Identity{}, true},
		{"provider cannot dispute", OpDispute, p, addr, identity.Identity{}, false},
		{"stranger", OpDispute, x, addr, identity.Identity{}, false},
		{"complete names wrong client", OpCompleteService, p, addr, x, false},
		{"record at foreign address", OpDispute, c, other, identity.Identity{}, false},
		{"zero caller", OpCreate, identity.Identity{}, addr, identity.Identity{}, false},
	}
	for _, tc := range cases {
		err := Authorize(tc.op, tc.caller, tc.addr, rec, tc.counterparty)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", tc.name, err)
		}
	}
}

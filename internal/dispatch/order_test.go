package dispatch_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/dispatch"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

// Shared across the package's tests: prometheus collectors register once
// per process.
var testMetrics = observability.NewMetrics()

func TestOrderValidatorAdmitsAdvancingPositions(t *testing.T) {
	v := dispatch.NewOrderValidator(testMetrics)
	c := common.HexToAddress("0x01")

	steps := []struct {
		block uint64
		log   uint
	}{
		{100, 0},
		{100, 1},
		{100, 7}, // gaps are fine, logs are sparse
		{101, 0},
		{250, 3},
	}
	for _, s := range steps {
		if err := v.Validate(c, s.block, s.log); err != nil {
			t.Fatalf("Validate(%d, %d) = %v, want nil", s.block, s.log, err)
		}
	}

	block, logIndex, ok := v.Watermark(c)
	if !ok || block != 250 || logIndex != 3 {
		t.Errorf("Watermark = (%d, %d, %v), want (250, 3, true)", block, logIndex, ok)
	}
}

func TestOrderValidatorRejectsRegressions(t *testing.T) {
	v := dispatch.NewOrderValidator(testMetrics)
	c := common.HexToAddress("0x02")

	if err := v.Validate(c, 100, 5); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name  string
		block uint64
		log   uint
	}{
		{"same position", 100, 5},
		{"earlier log same block", 100, 4},
		{"earlier block", 99, 9},
	}
	for _, tc := range cases {
		err := v.Validate(c, tc.block, tc.log)
		if err == nil {
			t.Errorf("%s: Validate(%d, %d) = nil, want error", tc.name, tc.block, tc.log)
			continue
		}
		if !fault.Is(err, fault.KindValidation) {
			t.Errorf("%s: kind = %s, want VALIDATION", tc.name, fault.Code(err))
		}
	}

	// A rejected event must not move the watermark.
	if block, _, _ := v.Watermark(c); block != 100 {
		t.Errorf("watermark block = %d, want 100", block)
	}
}

func TestOrderValidatorTracksContractsIndependently(t *testing.T) {
	v := dispatch.NewOrderValidator(testMetrics)
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")

	if err := v.Validate(a, 500, 0); err != nil {
		t.Fatalf("Validate(a): %v", err)
	}
	// A fresh contract starts from whatever position it first shows at.
	if err := v.Validate(b, 10, 0); err != nil {
		t.Errorf("Validate(b, 10, 0) = %v, want nil", err)
	}
}

func TestOrderValidatorRestoreAndRewind(t *testing.T) {
	v := dispatch.NewOrderValidator(testMetrics)
	c := common.HexToAddress("0x03")

	v.Restore(c, 4_200_000, 12)

	if err := v.Validate(c, 4_200_000, 12); err == nil {
		t.Error("Validate at restored watermark = nil, want error")
	}
	if err := v.Validate(c, 4_200_000, 13); err != nil {
		t.Errorf("Validate past restored watermark = %v, want nil", err)
	}

	// Rewind forgets the contract so a resync can replay history.
	v.Rewind(c)
	if err := v.Validate(c, 1, 0); err != nil {
		t.Errorf("Validate after rewind = %v, want nil", err)
	}
}

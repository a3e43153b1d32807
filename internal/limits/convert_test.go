package limits

import "testing"

func TestLimitBytesUnits(t *testing.T) {
	conv := Converter{}
	cases := []struct {
		value float64
		unit  Unit
		want  int64
	}{
		{1, UnitKB, 1024},
		{1, UnitMB, 1048576},
		{1, UnitGB, 1073741824},
		{2, UnitTB, 2199023255552},
		{1.5, UnitGB, 1610612736},
	}
	for _, tc := range cases {
		got, ok := conv.LimitBytes(UsageLimit{Threshold: DataVolume{Value: tc.value, Unit: tc.unit}})
		if !ok {
			t.Errorf("LimitBytes(%v %s) not convertible", tc.value, tc.unit)
			continue
		}
		if got != tc.want {
			t.Errorf("LimitBytes(%v %s) = %d, want %d", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestLimitBytesInvalidUnit(t *testing.T) {
	conv := Converter{}
	if _, ok := conv.LimitBytes(UsageLimit{Threshold: DataVolume{Value: 1, Unit: "PB"}}); ok {
		t.Fatal("unknown unit should not convert")
	}
	if _, ok := conv.LimitBytes(UsageLimit{Threshold: DataVolume{Value: 0, Unit: UnitGB}}); ok {
		t.Fatal("non-positive value should not convert")
	}
	if _, ok := conv.LimitBytes(UsageLimit{}); ok {
		t.Fatal("nil threshold should not convert")
	}
}

func TestLimitBytesMonetary(t *testing.T) {
	conv := Converter{BytesPerCurrencyUnit: 1073741824} // 1 GB per currency unit
	got, ok := conv.LimitBytes(UsageLimit{Threshold: MonetaryAmount{Value: 50}})
	if !ok {
		t.Fatal("amount limit should convert when a rate is configured")
	}
	if want := int64(50) * 1073741824; got != want {
		t.Fatalf("LimitBytes($50) = %d, want %d", got, want)
	}

	// Without a configured rate, amount limits are skipped entirely.
	if _, ok := (Converter{}).LimitBytes(UsageLimit{Threshold: MonetaryAmount{Value: 50}}); ok {
		t.Fatal("amount limit converted without a rate")
	}
}

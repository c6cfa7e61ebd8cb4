package balloon

import (
	"testing"

	"github.com/tinyrange/vmmcore/internal/verror"
)

func TestValidateSkippedWithoutAutoBalloon(t *testing.T) {
	c := Config{MembufPercent: 1000, MonitorInterval: 1000}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no validation without auto-balloon, got %v", err)
	}
}

func TestValidateMembufPercentBounds(t *testing.T) {
	cases := []struct {
		percent uint32
		wantErr bool
	}{
		{19, true},
		{20, false},
		{50, false},
		{80, false},
		{81, true},
	}
	for _, tc := range cases {
		c := Config{AutoBalloon: true, MembufPercent: tc.percent, MonitorInterval: MonitorIntervalDefaultSeconds}
		err := c.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("percent=%d: expected error", tc.percent)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("percent=%d: unexpected error %v", tc.percent, err)
		}
		if tc.wantErr && err != nil && !verror.Is(err, verror.Config) {
			t.Errorf("percent=%d: expected Config error kind, got %v", tc.percent, err)
		}
	}
}

func TestValidateMonitorIntervalBounds(t *testing.T) {
	cases := []struct {
		interval uint32
		wantErr  bool
	}{
		{4, true},
		{5, false},
		{300, false},
		{301, true},
	}
	for _, tc := range cases {
		c := Config{AutoBalloon: true, MembufPercent: MembufPercentDefault, MonitorInterval: tc.interval}
		err := c.Validate()
		if tc.wantErr != (err != nil) {
			t.Errorf("interval=%d: wantErr=%v got %v", tc.interval, tc.wantErr, err)
		}
	}
}

func TestDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	c := DefaultConfig("balloon0")
	if c.MembufPercent != MembufPercentDefault || c.MonitorInterval != MonitorIntervalDefaultSeconds {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate (even though auto-balloon is off): %v", err)
	}
}

type fakeRAM struct {
	dontNeed []uint64
	willNeed []uint64
}

func (r *fakeRAM) MadviseDontNeed(gpa uint64, length uint64) error {
	r.dontNeed = append(r.dontNeed, gpa)
	return nil
}

func (r *fakeRAM) MadviseWillNeed(gpa uint64, length uint64) error {
	r.willNeed = append(r.willNeed, gpa)
	return nil
}

func TestQueueNumReflectsFreePageReporting(t *testing.T) {
	b := New(Config{}, nil, nil)
	if b.QueueNum() != 2 {
		t.Fatalf("expected 2 queues without free-page-reporting, got %d", b.QueueNum())
	}
	b2 := New(Config{FreePageReporting: true}, nil, nil)
	if b2.QueueNum() != 3 {
		t.Fatalf("expected 3 queues with free-page-reporting, got %d", b2.QueueNum())
	}
}

func TestDeviceFeaturesReflectConfig(t *testing.T) {
	b := New(Config{DeflateOnOOM: true, AutoBalloon: true}, nil, nil)
	f := b.DeviceFeatures()
	if f&featureDeflateOnOOM == 0 {
		t.Fatalf("expected deflate-on-oom feature bit set")
	}
	if f&featureAutoBalloon == 0 {
		t.Fatalf("expected auto-balloon feature bit set")
	}
	if f&featureFreePageReporting != 0 {
		t.Fatalf("did not expect free-page-reporting bit")
	}
}

func TestWriteConfigOnlyAcceptsNumPagesOffset(t *testing.T) {
	b := New(Config{}, nil, nil)
	b.WriteConfig(0, []byte{0x01, 0x00, 0x00, 0x00})
	if b.config32[0] != 1 {
		t.Fatalf("expected num_pages = 1, got %d", b.config32[0])
	}

	b.WriteConfig(4, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	if b.config32[1] != 0 {
		t.Fatalf("write at offset 4 (actual) should be ignored, got %d", b.config32[1])
	}
}

func TestTargetFromAutoBalloonZeroWhenDisabled(t *testing.T) {
	b := New(Config{AutoBalloon: false}, nil, nil)
	if got := b.TargetFromAutoBalloon(1<<30, 0); got != 0 {
		t.Fatalf("expected 0 target with auto-balloon disabled, got %d", got)
	}
}

func TestTargetFromAutoBalloonComputesDeficit(t *testing.T) {
	b := New(Config{AutoBalloon: true, MembufPercent: 50}, nil, nil)
	total := uint64(1000 * pageSize)
	free := uint64(100 * pageSize)
	got := b.TargetFromAutoBalloon(total, free)
	want := uint32(400) // want 500 free pages, have 100, deficit 400
	if got != want {
		t.Fatalf("target = %d, want %d", got, want)
	}
}

func TestTargetFromAutoBalloonZeroWhenAboveThreshold(t *testing.T) {
	b := New(Config{AutoBalloon: true, MembufPercent: 50}, nil, nil)
	total := uint64(1000 * pageSize)
	free := uint64(900 * pageSize)
	if got := b.TargetFromAutoBalloon(total, free); got != 0 {
		t.Fatalf("expected 0 target when free memory exceeds threshold, got %d", got)
	}
}

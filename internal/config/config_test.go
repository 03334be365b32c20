package config

import "testing"

func TestWithDefaultConfigMatchesSpecTable(t *testing.T) {
	c := WithDefaultConfig()
	if c.TrackerAddress != "ws://localhost:9010" {
		t.Errorf("TrackerAddress = %q", c.TrackerAddress)
	}
	if c.UploadBytesPerSecond != 1_048_576 {
		t.Errorf("UploadBytesPerSecond = %d", c.UploadBytesPerSecond)
	}
	if c.MaxDatachannelBufferBytes != 2_097_152 {
		t.Errorf("MaxDatachannelBufferBytes = %d", c.MaxDatachannelBufferBytes)
	}
}

func TestSenderLoopConfigDerivesPiecesPerTick(t *testing.T) {
	c := WithDefaultConfig()
	slc := c.SenderLoopConfig()
	if slc.PiecesPerTick <= 0 {
		t.Fatalf("PiecesPerTick = %d; want > 0", slc.PiecesPerTick)
	}
	if slc.TickInterval != c.TickInterval {
		t.Errorf("TickInterval mismatch: %v vs %v", slc.TickInterval, c.TickInterval)
	}
}

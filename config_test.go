package sshmux

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	base := DefaultConfig()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero receive window", func(c *Config) { c.ReceiveWindow = 0 }},
		{"negative receive window", func(c *Config) { c.ReceiveWindow = -1 }},
		{"zero max packet", func(c *Config) { c.MaxPacketSize = 0 }},
		{"oversized max packet", func(c *Config) { c.MaxPacketSize = 1 << 21 }},
		{"negative low water", func(c *Config) { c.WriteBufferLowWater = -1 }},
		{"high below low water", func(c *Config) {
			c.WriteBufferHighWater = 10
			c.WriteBufferLowWater = 20
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := *base
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want an error")
			}
		})
	}
}

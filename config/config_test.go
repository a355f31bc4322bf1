package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseMemorySize(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    MemorySize
		wantErr bool
	}{
		{in: "100m", want: "100M"},
		{in: "3.5G", want: "3.5G"},
		{in: " 60g ", want: "60G"},
		{in: "1t", want: "1T"},
		{in: "512k", want: "512K"},
		{in: "100", wantErr: true},
		{in: "G", wantErr: true},
		{in: "-5G", wantErr: true},
		{in: "0m", wantErr: true},
	} {
		got, err := ParseMemorySize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMemorySize(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMemorySize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMemorySize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMemorySizeConversions(t *testing.T) {
	if got := MemorySize("3.5G").AsGB(); got != 3.5 {
		t.Errorf("AsGB = %v", got)
	}
	if got := MemorySize("512M").AsGB(); got != 0.5 {
		t.Errorf("AsGB = %v", got)
	}
	if got := MemorySize("2G").AsMB(); got != 2048 {
		t.Errorf("AsMB = %v", got)
	}
	if got := MemorySize("").AsGB(); got != 0 {
		t.Errorf("zero value AsGB = %v", got)
	}
	if got := MemorySizeGB(63.0); got != "63G" {
		t.Errorf("MemorySizeGB(63) = %q", got)
	}
	if got := MemorySizeGB(31.5); got != "31.5G" {
		t.Errorf("MemorySizeGB(31.5) = %q", got)
	}
}

const testConfigYAML = `program: blastp
db: nr
queries:
  - queries.fa
results: s3://bucket/results
provider: AWS
region: us-east-1
owner: alice
options: -evalue 0.01
mem-limit: 30g
mem-limit-factor: 1.5
batch-len: 20000
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudblast.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Program != "blastp" || cfg.Database != "nr" {
		t.Fatalf("search fields = %q %q", cfg.Program, cfg.Database)
	}
	if cfg.Provider != ProviderAWS {
		t.Fatalf("provider = %q", cfg.Provider)
	}
	if cfg.MemLimit != "30G" {
		t.Fatalf("mem limit = %q", cfg.MemLimit)
	}
	if cfg.MemLimitFactor != 1.5 {
		t.Fatalf("mem limit factor = %v", cfg.MemLimitFactor)
	}
	if cfg.NumNodes != 1 {
		t.Fatalf("num nodes default = %d", cfg.NumNodes)
	}
	if cfg.Owner != "alice" {
		t.Fatalf("owner = %q", cfg.Owner)
	}
	if cfg.BatchLen != 20000 {
		t.Fatalf("batch len = %d", cfg.BatchLen)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudblast.yaml")
	if err := os.WriteFile(path, []byte("provider: azure\nresults: s3://b/r\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected provider error")
	}
}

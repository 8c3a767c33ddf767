package pullbox

import (
	"errors"
	"reflect"
	"testing"
)

func TestSandboxConfigNormalize(t *testing.T) {
	cfg := SandboxConfig{
		FS: FSConfig{
			Read:  []string{"/usr/lib", "/usr", "/etc/../etc", "/usr/"},
			Write: nil,
		},
		Net: NetConfig{ConnectPorts: []uint16{443, 22, 443}},
	}
	got := cfg.Normalize()
	if want := []string{"/etc", "/usr"}; !reflect.DeepEqual(got.FS.Read, want) {
		t.Errorf("FS.Read = %v, want %v", got.FS.Read, want)
	}
	if got.FS.Write == nil || len(got.FS.Write) != 0 {
		t.Errorf("FS.Write = %#v, want empty non-nil", got.FS.Write)
	}
	if want := []uint16{22, 443}; !reflect.DeepEqual(got.Net.ConnectPorts, want) {
		t.Errorf("ConnectPorts = %v, want %v", got.Net.ConnectPorts, want)
	}
	if !reflect.DeepEqual(cfg.Net.ConnectPorts, []uint16{443, 22, 443}) {
		t.Error("Normalize modified its receiver")
	}

	empty := SandboxConfig{}.Normalize()
	if empty.Net.ConnectPorts == nil {
		t.Error("ConnectPorts of an empty config must be non-nil")
	}
}

func TestSandboxConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SandboxConfig
		wantErr bool
	}{
		{"empty", SandboxConfig{}, false},
		{"absolute", SandboxConfig{FS: FSConfig{Read: []string{"/usr"}}, Net: NetConfig{ConnectPorts: []uint16{443}}}, false},
		{"relative read", SandboxConfig{FS: FSConfig{Read: []string{"usr"}}}, true},
		{"relative write", SandboxConfig{FS: FSConfig{Write: []string{"./tmp"}}}, true},
		{"nul execute", SandboxConfig{FS: FSConfig{Execute: []string{"/bin\x00/sh"}}}, true},
		{"port zero", SandboxConfig{Net: NetConfig{ConnectPorts: []uint16{0}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("error should wrap ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestSandboxConfigClone(t *testing.T) {
	cfg := SandboxConfig{FS: FSConfig{Read: []string{"/usr"}}, Net: NetConfig{ConnectPorts: []uint16{443}}}
	c := cfg.Clone()
	c.FS.Read[0] = "/"
	c.Net.ConnectPorts[0] = 80
	if cfg.FS.Read[0] != "/usr" || cfg.Net.ConnectPorts[0] != 443 {
		t.Error("Clone shares backing arrays with the original")
	}
}

func TestSandboxConfigEqual(t *testing.T) {
	a := SandboxConfig{FS: FSConfig{Read: []string{"/usr", "/etc"}}, Net: NetConfig{ConnectPorts: []uint16{443, 22}}}
	b := SandboxConfig{FS: FSConfig{Read: []string{"/etc/", "/usr", "/usr/bin"}}, Net: NetConfig{ConnectPorts: []uint16{22, 443}}}
	if !a.Equal(b) {
		t.Error("configs granting the same access should be equal")
	}
	c := b.Clone()
	c.FS.Write = []string{"/tmp"}
	if a.Equal(c) {
		t.Error("configs with different write lists should not be equal")
	}
}

func TestSandboxConfigStricterOrEqual(t *testing.T) {
	base := SandboxConfig{
		FS: FSConfig{
			Read:    []string{"/usr", "/home"},
			Write:   []string{"/tmp"},
			Execute: []string{"/usr"},
		},
		Net: NetConfig{ConnectPorts: []uint16{22, 443}},
	}

	tests := []struct {
		name       string
		cfg        SandboxConfig
		want       bool
		wantReason string
	}{
		{"equal", base.Clone(), true, ""},
		{"narrower paths", SandboxConfig{
			FS:  FSConfig{Read: []string{"/usr/lib"}, Write: []string{"/tmp/x"}},
			Net: NetConfig{ConnectPorts: []uint16{443}},
		}, true, ""},
		{"empty", SandboxConfig{}, true, ""},
		{"wider read", SandboxConfig{FS: FSConfig{Read: []string{"/"}}}, false, "fs.read grants /"},
		{"new write", SandboxConfig{FS: FSConfig{Write: []string{"/home"}}}, false, "fs.write grants /home"},
		{"new execute", SandboxConfig{FS: FSConfig{Execute: []string{"/home"}}}, false, "fs.execute grants /home"},
		{"new port", SandboxConfig{Net: NetConfig{ConnectPorts: []uint16{80}}}, false, "net.connect_ports grants 80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.cfg.StricterOrEqual(base)
			if got != tt.want || reason != tt.wantReason {
				t.Errorf("StricterOrEqual() = %v, %q, want %v, %q", got, reason, tt.want, tt.wantReason)
			}
		})
	}
}

func TestSandboxConfigRuleset(t *testing.T) {
	cfg := SandboxConfig{
		FS:  FSConfig{Read: []string{"/usr"}, Write: []string{"/tmp"}, Execute: []string{"/bin"}},
		Net: NetConfig{ConnectPorts: []uint16{443}},
	}
	rs := cfg.ruleset(true)
	if !rs.HandleNetwork || !rs.BestEffortNetwork {
		t.Errorf("ruleset flags = handle %v, best effort %v", rs.HandleNetwork, rs.BestEffortNetwork)
	}
	if !reflect.DeepEqual(rs.Read, cfg.FS.Read) || !reflect.DeepEqual(rs.Write, cfg.FS.Write) ||
		!reflect.DeepEqual(rs.Execute, cfg.FS.Execute) || !reflect.DeepEqual(rs.ConnectPorts, cfg.Net.ConnectPorts) {
		t.Errorf("ruleset = %+v, want lists of %+v", rs, cfg)
	}
	rs.Read[0] = "/"
	if cfg.FS.Read[0] != "/usr" {
		t.Error("ruleset shares backing arrays with the config")
	}

	denyAll := SandboxConfig{}.ruleset(false)
	if !denyAll.HandleNetwork || len(denyAll.ConnectPorts) != 0 {
		t.Errorf("empty config ruleset = %+v, want network handled with no ports", denyAll)
	}
}

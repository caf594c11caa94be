package metricpath

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "cpu_percent", want: "cpu_percent"},
		{in: "network_interfaces.eth0.sent_Mbps", want: "network_adapters.eth0.sent_Mbps"},
		{in: "disk_usage.sda1.percent", want: "disks.sda1.percent"},
		{in: " mem_percent ", want: "mem_percent"},
		{in: "", wantErr: true},
		{in: "disks..percent", wantErr: true},
		{in: "cpu_percent.", wantErr: true},
		{in: `network_adapters.eth0\.100.sent_Mbps`, want: `network_adapters.eth0\.100.sent_Mbps`},
		{in: `disks.C:\\.percent`, want: `disks.C:\\.percent`},
		{in: `cpu_percent\`, wantErr: true},
		{in: `disks.s\da1.percent`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Parse(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Fatalf("Parse(%q) error = %v, want ErrInvalidPath", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.in, err)
			}
			if p.String() != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, p.String(), tt.want)
			}
		})
	}
}

func TestPatternMatches(t *testing.T) {
	pattern := MustParse("network_adapters.*.sent_Mbps")
	if !pattern.Matches(MustParse("network_adapters.eth0.sent_Mbps")) {
		t.Error("wildcard should match eth0")
	}
	if !pattern.Matches(MustParse("network_interfaces.wlan0.sent_Mbps")) {
		t.Error("alias root should match after canonicalization")
	}
	if pattern.Matches(MustParse("network_adapters.eth0.recv_Mbps")) {
		t.Error("different leaf matched")
	}
	if pattern.Matches(MustParse("network_adapters.sent_Mbps")) {
		t.Error("shorter path matched")
	}
}

func TestResolve(t *testing.T) {
	tree := map[string]interface{}{
		"cpu_percent": 42.0,
		"disks": map[string]interface{}{
			"/": map[string]interface{}{"percent": 71.5},
		},
	}
	if v, ok := Resolve(tree, MustParse("cpu_percent")); !ok || v != 42 {
		t.Errorf("cpu_percent = %v, %v", v, ok)
	}
	if v, ok := Resolve(tree, MustParse("disks./.percent")); !ok || v != 71.5 {
		t.Errorf("disks./.percent = %v, %v", v, ok)
	}
	if _, ok := Resolve(tree, MustParse("disks.C:.percent")); ok {
		t.Error("missing disk resolved")
	}
	if _, ok := Resolve(tree, MustParse("cpu_percent.value")); ok {
		t.Error("path through a leaf resolved")
	}
}

func TestSchemaExpand(t *testing.T) {
	schema, err := NewSchema([]string{"cpu_percent", "mem_percent", "network_adapters.*.sent_Mbps"})
	if err != nil {
		t.Fatal(err)
	}
	tree := map[string]interface{}{
		"cpu_percent": 10.0,
		"network_adapters": map[string]interface{}{
			"eth0": map[string]interface{}{"sent_Mbps": 1.5},
			"eth1": map[string]interface{}{"sent_Mbps": 2.5},
		},
	}
	got := schema.Expand(tree)

	want := []struct {
		path    string
		value   float64
		present bool
	}{
		{"cpu_percent", 10, true},
		{"mem_percent", 0, false},
		{"network_adapters.eth0.sent_Mbps", 1.5, true},
		{"network_adapters.eth1.sent_Mbps", 2.5, true},
	}
	if len(got) != len(want) {
		t.Fatalf("Expand() returned %d values, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Path.String() != w.path || got[i].Value != w.value || got[i].Present != w.present {
			t.Errorf("Expand()[%d] = {%s %v %v}, want {%s %v %v}",
				i, got[i].Path, got[i].Value, got[i].Present, w.path, w.value, w.present)
		}
	}
}

func TestExpandKeepsDottedKeys(t *testing.T) {
	schema, err := NewSchema([]string{"network_adapters.*.sent_Mbps"})
	if err != nil {
		t.Fatal(err)
	}
	tree := map[string]interface{}{
		"network_adapters": map[string]interface{}{
			"eth0.100": map[string]interface{}{"sent_Mbps": 3.0},
		},
	}
	got := schema.Expand(tree)
	want := Join("network_adapters", "eth0.100", "sent_Mbps")
	if len(got) != 1 || got[0].Path.String() != want || got[0].Value != 3 {
		t.Fatalf("Expand() = %+v, want one value at %s", got, want)
	}
	p, err := Parse(want)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := Resolve(tree, p); !ok || v != 3 {
		t.Errorf("Resolve(%s) = %v, %v", want, v, ok)
	}
}

func TestSchemaMatchesIsSharedWithQueries(t *testing.T) {
	schema, err := NewSchema(DefaultPatterns())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"cpu_percent",
		"disks.sda1.percent",
		"network_interfaces.eth0.recv_Mbps",
		"disk_io.nvme0n1.write_Bps",
	} {
		if !schema.Matches(MustParse(name)) {
			t.Errorf("default schema rejects %q", name)
		}
	}
	if schema.Matches(MustParse("gpu_percent")) {
		t.Error("default schema accepts gpu_percent")
	}
}

func TestNewSchemaRejectsEmpty(t *testing.T) {
	if _, err := NewSchema(nil); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("NewSchema(nil) error = %v, want ErrInvalidPath", err)
	}
	if _, err := NewSchema([]string{"cpu_percent", "a..b"}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("NewSchema with bad pattern error = %v, want ErrInvalidPath", err)
	}
}

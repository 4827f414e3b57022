package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestServiceTXT_Encode(t *testing.T) {
	tests := []struct {
		name string
		txt  ServiceTXT
		want []string
	}{
		{"empty", ServiceTXT{}, nil},
		{
			"full",
			ServiceTXT{
				ResourceTypes:  []string{"core.s", "temperature-c"},
				Interfaces:     []string{"sensor"},
				ContentFormats: []uint32{0, 60},
				Path:           "/sensors/temp",
				AgentID:        "a1",
			},
			[]string{"ct=0 60", "id=a1", "if=sensor", "path=/sensors/temp", "rt=core.s temperature-c"},
		},
		{"path only", ServiceTXT{Path: "/"}, []string{"path=/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.txt.Encode()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceTXT_Validate(t *testing.T) {
	tests := []struct {
		name    string
		txt     ServiceTXT
		wantErr bool
	}{
		{"empty", ServiceTXT{}, false},
		{"absolute path", ServiceTXT{Path: "/a"}, false},
		{"relative path", ServiceTXT{Path: "a"}, true},
		{"space in rt", ServiceTXT{ResourceTypes: []string{"a b"}}, true},
		{"empty if", ServiceTXT{Interfaces: []string{""}}, true},
		{"record too long", ServiceTXT{Path: "/" + strings.Repeat("p", 260)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.txt.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTXTRecord) {
				t.Errorf("Validate() error = %v, want ErrInvalidTXTRecord", err)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"rt=a", "=skip", "flag", "rt=second", "path=/x=y"})
	want := map[string]string{"rt": "a", "flag": "", "path": "/x=y"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}

func TestParseServiceTXT(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		in := ServiceTXT{
			ResourceTypes:  []string{"r1", "r2"},
			ContentFormats: []uint32{50},
			Path:           "/p",
		}
		got, err := ParseServiceTXT(in.Encode())
		if err != nil {
			t.Fatalf("ParseServiceTXT() error = %v", err)
		}
		if !reflect.DeepEqual(got.ResourceTypes, in.ResourceTypes) ||
			!reflect.DeepEqual(got.ContentFormats, in.ContentFormats) ||
			got.Path != in.Path {
			t.Errorf("ParseServiceTXT() = %+v, want %+v", got, in)
		}
	})

	t.Run("bad content format", func(t *testing.T) {
		if _, err := ParseServiceTXT([]string{"ct=json"}); !errors.Is(err, ErrInvalidTXTRecord) {
			t.Errorf("error = %v, want ErrInvalidTXTRecord", err)
		}
	})

	t.Run("relative path", func(t *testing.T) {
		if _, err := ParseServiceTXT([]string{"path=x"}); !errors.Is(err, ErrInvalidTXTRecord) {
			t.Errorf("error = %v, want ErrInvalidTXTRecord", err)
		}
	})
}

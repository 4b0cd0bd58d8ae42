package schema

import "testing"

func TestParsePrimitiveType(t *testing.T) {
	tests := []struct {
		in      string
		want    PrimitiveType
		wantErr bool
	}{
		{"", TypeString, false},
		{"string", TypeString, false},
		{"int", TypeInt, false},
		{"integer", TypeInt, false},
		{"bigint", TypeBigInt, false},
		{"timestamp", TypeTimestamp, false},
		{"time", TypeTimestamp, false},
		{"boolean", TypeBool, false},
		{"json", TypeJSON, false},
		{"money", TypeString, true},
	}

	for _, tt := range tests {
		got, err := ParsePrimitiveType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePrimitiveType(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePrimitiveType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAddTypedProperty(t *testing.T) {
	e := NewEntity("AuditEntry").AddTypedProperty("createdAt", TypeTimestamp, true)
	p := e.Properties[0]
	if p.Column != "created_at" || p.Type != TypeTimestamp || !p.Nullable {
		t.Errorf("unexpected property %+v", *p)
	}
	if TypeTimestamp.String() != "timestamp" {
		t.Errorf("expected timestamp, got %s", TypeTimestamp)
	}
}

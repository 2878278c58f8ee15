package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		dialect  Dialect
		input    string
		expected string
	}{
		{MySQL, "users", "`users`"},
		{MySQL, "select", "`select`"},         // reserved word
		{MySQL, "first name", "`first name`"}, // space in name
		{MySQL, "user`data", "`user``data`"},  // backtick in name
		{MySQL, "", "``"},
		{Postgres, "users", `"users"`},
		{Postgres, `a"b`, `"a""b"`},
		{Postgres, "user`data", "\"user`data\""},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name+"/"+tt.input, func(t *testing.T) {
			result := tt.dialect.QuoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestQuoteString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "'hello'"},
		{"it's", "'it''s'"},
		{"a'b'c", "'a''b''c'"},
		{"", "''"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := MySQL.QuoteString(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]string{"mysql": "mysql", "": "mysql", "TiDB": "mysql", "postgres": "postgres", "pq": "postgres"} {
		d, err := DialectFor(driver)
		if err != nil {
			t.Fatalf("DialectFor(%q) returned error: %v", driver, err)
		}
		if d.Name != want {
			t.Errorf("DialectFor(%q) = %s, want %s", driver, d.Name, want)
		}
	}
	if _, err := DialectFor("sqlite3"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

package db

import (
	"regexp"
	"strings"
	"testing"
)

// columnTypes maps "table.column" to the declared type in the embedded schema.
func columnTypes(t *testing.T) map[string]string {
	t.Helper()
	tableRe := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS (\w+) \((.*?)\n\);`)
	out := map[string]string{}
	for _, m := range tableRe.FindAllStringSubmatch(schema, -1) {
		for _, line := range strings.Split(m[2], "\n") {
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) < 2 || strings.ToUpper(fields[0]) == fields[0] {
				continue
			}
			out[m[1]+"."+fields[0]] = strings.TrimSuffix(fields[1], ",")
		}
	}
	if len(out) == 0 {
		t.Fatal("no tables parsed from schema.sql")
	}
	return out
}

func TestFreeTextColumnsAreUnbounded(t *testing.T) {
	types := columnTypes(t)
	for _, col := range []string{
		"sequence_steps.subject_template",
		"sequence_steps.body_template",
		"dispatch_records.message_id",
		"dispatch_records.subject",
		"dispatch_records.body",
		"inbound_messages.message_id",
		"inbound_messages.in_reply_to",
		"inbound_messages.references_header",
		"inbound_messages.from_address",
		"inbound_messages.subject",
		"inbound_messages.body",
	} {
		got, ok := types[col]
		if !ok {
			t.Errorf("%s missing from schema", col)
			continue
		}
		if got != "TEXT" {
			t.Errorf("%s is %s; a long rendered subject or header would fail the insert after the send", col, got)
		}
	}
}

func TestExistingDatabasesAreWidened(t *testing.T) {
	for _, stmt := range []string{
		"ALTER TABLE dispatch_records ALTER COLUMN subject TYPE TEXT",
		"ALTER TABLE inbound_messages ALTER COLUMN subject TYPE TEXT",
		"ALTER TABLE inbound_messages ALTER COLUMN from_address TYPE TEXT",
		"ALTER TABLE inbound_messages ALTER COLUMN in_reply_to TYPE TEXT",
	} {
		if !strings.Contains(schema, stmt) {
			t.Errorf("schema lacks %q", stmt)
		}
	}
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	sql := `
-- event trail
CREATE TABLE a (
  id INT
);

CREATE TABLE b (id INT);
-- trailing comment
SELECT 1`

	got := splitStatements(sql)
	assert.Equal(t, []string{
		"CREATE TABLE a (\n  id INT\n)",
		"CREATE TABLE b (id INT)",
		"SELECT 1",
	}, got)
}

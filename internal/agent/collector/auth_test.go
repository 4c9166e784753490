package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnifiedLogJSONArray(t *testing.T) {
	output := []byte(`[{"eventMessage":"authentication failed for user","userName":"root"},
	                   {"eventMessage":"login accepted","userName":"alice"}]`)
	records := parseUnifiedLog(output)
	require.Len(t, records, 2)
	assert.Equal(t, "root", records[0]["userName"])
}

func TestParseUnifiedLogNDJSON(t *testing.T) {
	output := []byte(`{"eventMessage":"authentication failed"}
{"eventMessage":"login ok"}
not json at all
`)
	records := parseUnifiedLog(output)
	assert.Len(t, records, 2)
}

func TestParseWevtutilText(t *testing.T) {
	output := `Event[0]:
  Log Name: Security
  Event ID: 4625
  Account Name: admin
Event[1]:
  Log Name: Security
  Event ID: 4624
  Account Name: -
  Account Name: svc_backup
Event[2]:
  Log Name: Security
  Event ID: 4799
  Account Name: ignored
`
	records := parseWevtutilText(output)
	require.Len(t, records, 2)
	assert.Equal(t, 4625, records[0].eventID)
	assert.Equal(t, "admin", records[0].username)
	assert.Equal(t, 4624, records[1].eventID)
	// dash placeholder is skipped in favor of the real account
	assert.Equal(t, "svc_backup", records[1].username)
}

func TestParseWevtutilTextEmpty(t *testing.T) {
	assert.Empty(t, parseWevtutilText(""))
}

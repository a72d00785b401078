package tracking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptEscapesConstants(t *testing.T) {
	script := Script(`job_"1"`, "ten_1", "https://api.example.com/")

	assert.Contains(t, script, `\"1\"`)
	assert.NotContains(t, script, `"job_"1""`)
	// Trailing slash on the API URL is trimmed before the path joins.
	assert.Contains(t, script, `"https://api.example.com"`)
	assert.Contains(t, script, "/v1/tracking/event")
	assert.Contains(t, script, "sendBeacon")
	assert.Contains(t, script, "localStorage")
}

func TestScriptEscapesHTMLCharacters(t *testing.T) {
	script := Script("</script><script>alert(1)", "ten_1", "https://api.test")
	assert.NotContains(t, script, "</script><script>alert")
}

func TestInjectBeforeLowercaseBody(t *testing.T) {
	html := "<html><body><h1>hi</h1></body></html>"
	out := Inject(html, Script("job_1", "ten_1", "https://api.test"))

	require.Equal(t, 1, strings.Count(out, scriptMarker))
	assert.Less(t, strings.Index(out, scriptMarker), strings.Index(out, "</body>"))
}

func TestInjectBeforeUppercaseBody(t *testing.T) {
	html := "<HTML><BODY>hi</BODY></HTML>"
	out := Inject(html, Script("job_1", "ten_1", "https://api.test"))

	require.Equal(t, 1, strings.Count(out, scriptMarker))
	assert.Less(t, strings.Index(out, scriptMarker), strings.Index(out, "</BODY>"))
}

func TestInjectAppendsWithoutBody(t *testing.T) {
	html := "<div>fragment</div>"
	out := Inject(html, Script("job_1", "ten_1", "https://api.test"))

	assert.Equal(t, 1, strings.Count(out, scriptMarker))
	assert.True(t, strings.HasPrefix(out, html))
}

func TestInjectIdempotent(t *testing.T) {
	script := Script("job_1", "ten_1", "https://api.test")
	once := Inject("<body></body>", script)
	twice := Inject(once, script)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, scriptMarker))
}

func TestInjectBeforeFirstBodyMatch(t *testing.T) {
	html := "<body>a</body><body>b</body>"
	out := Inject(html, "<script data-leadforge-tracking=\"1\"></script>")

	// Script sits before the first close tag, not the second.
	first := strings.Index(out, scriptMarker)
	assert.Less(t, first, strings.Index(strings.ToLower(out), "</body>"))
}
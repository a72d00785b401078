// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracking builds the engagement-tracking script injected into
// HTML deliverables and places it into the document.
package tracking

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// HeartbeatSeconds is the interval between heartbeat events.
	HeartbeatSeconds = 30
	// SessionTimeoutMinutes ends a session after this much inactivity.
	SessionTimeoutMinutes = 30
)

// scriptMarker identifies an already-injected script so injection stays
// idempotent.
const scriptMarker = "data-leadforge-tracking"

// scriptTemplate is the self-contained tracker. Constants are interpolated
// as JSON string literals, which keeps them JS- and HTML-safe.
const scriptTemplate = `<script %s="1">
(function() {
  var JOB_ID = %s;
  var TENANT_ID = %s;
  var API_URL = %s;
  var HEARTBEAT_MS = %d;
  var SESSION_TIMEOUT_MS = %d;
  var STORAGE_KEY = "lf_session_" + JOB_ID;

  function newSessionId() {
    return "sess_" + Date.now().toString(36) + Math.random().toString(36).slice(2, 10);
  }

  function loadSession() {
    try {
      var raw = localStorage.getItem(STORAGE_KEY);
      if (raw) {
        var s = JSON.parse(raw);
        if (Date.now() - s.last < SESSION_TIMEOUT_MS) { return s; }
      }
    } catch (e) {}
    return { id: newSessionId(), last: Date.now(), fresh: true };
  }

  var session = loadSession();

  function touch() {
    session.last = Date.now();
    try { localStorage.setItem(STORAGE_KEY, JSON.stringify({ id: session.id, last: session.last })); } catch (e) {}
  }

  function send(eventType, useBeacon) {
    var payload = JSON.stringify({
      event_type: eventType,
      job_id: JOB_ID,
      tenant_id: TENANT_ID,
      session_id: session.id,
      url: location.href,
      timestamp: new Date().toISOString()
    });
    var endpoint = API_URL + "/v1/tracking/event";
    if (useBeacon && navigator.sendBeacon) {
      navigator.sendBeacon(endpoint, new Blob([payload], { type: "application/json" }));
      return;
    }
    try {
      fetch(endpoint, { method: "POST", headers: { "Content-Type": "application/json" }, body: payload, keepalive: true });
    } catch (e) {}
  }

  function onReady() {
    if (session.fresh) { send("session_start"); }
    send("page_view");
    touch();
    setInterval(function() {
      if (Date.now() - session.last >= SESSION_TIMEOUT_MS) {
        session = { id: newSessionId(), last: Date.now(), fresh: true };
        send("session_start");
      }
      send("heartbeat");
      touch();
    }, HEARTBEAT_MS);
    document.addEventListener("click", function() { send("click"); touch(); });
    window.addEventListener("beforeunload", function() { send("session_end", true); });
  }

  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", onReady);
  } else {
    onReady();
  }
})();
</script>`

// Script renders the tracker with the given identifiers baked in.
func Script(jobID, tenantID, apiURL string) string {
	return fmt.Sprintf(scriptTemplate,
		scriptMarker,
		jsString(jobID),
		jsString(tenantID),
		jsString(strings.TrimRight(apiURL, "/")),
		HeartbeatSeconds*1000,
		SessionTimeoutMinutes*60*1000,
	)
}

// Inject places the script immediately before the first case-insensitive
// </body> tag, or appends it when the document has none. A document that
// already carries the tracker is returned unchanged.
func Inject(html, script string) string {
	if strings.Contains(html, scriptMarker) {
		return html
	}
	lower := strings.ToLower(html)
	idx := strings.Index(lower, "</body>")
	if idx < 0 {
		return html + "\n" + script
	}
	return html[:idx] + script + "\n" + html[idx:]
}

// jsString renders s as a JS string literal. json.Marshal escapes quotes
// and HTML-significant characters (<, >, &) to \u escapes, so a hostile
// value cannot close the script element.
func jsString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}

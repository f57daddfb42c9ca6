package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>SyncStore Status</title>
  <style>
    :root {
      --ink: #17212b;
      --paper: #f4f6f9;
      --card: #ffffff;
      --line: #d6dde6;
      --accent: #2563ab;
      --danger: #bb4430;
      --muted: #64707d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: linear-gradient(160deg, #f7f9fc 0%, #eef3f8 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1080px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
      box-shadow: 0 8px 20px rgba(23, 33, 43, 0.08);
    }

    h1 {
      margin: 0;
      font-size: 1.4rem;
      letter-spacing: 0.01em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 2fr auto auto;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 9px 11px;
      font-size: 0.9rem;
      outline: none;
    }

    .controls input:focus {
      border-color: var(--accent);
      box-shadow: 0 0 0 3px rgba(37, 99, 171, 0.15);
    }

    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 14px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
    }

    .btn-primary { background: var(--accent); color: #ffffff; }
    .btn-secondary { background: #e7edf4; color: var(--ink); border: 1px solid var(--line); }

    .grid {
      display: grid;
      gap: 12px;
      grid-template-columns: 1.4fr 1fr;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
      box-shadow: 0 8px 20px rgba(23, 33, 43, 0.06);
      min-height: 220px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.88rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
      color: var(--muted);
    }

    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.86rem;
    }

    th, td {
      text-align: left;
      border-bottom: 1px solid #e6ebf1;
      padding: 7px 6px;
      vertical-align: top;
    }

    th {
      color: var(--muted);
      text-transform: uppercase;
      font-size: 0.7rem;
      letter-spacing: 0.07em;
    }

    .mono { font-family: "SFMono-Regular", Menlo, Consolas, monospace; }
    .status-line { margin-top: 10px; font-size: 0.84rem; color: var(--muted); }
    .ok { color: #1b7f4d; }
    .err { color: var(--danger); }

    @media (max-width: 860px) {
      .controls { grid-template-columns: 1fr; }
      .grid { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>SyncStore Status</h1>
      <div class="sub">Record stores, version ledger heads, and live change-feed connections.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (admin scope)" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>Last: <span id="lastUpdated">never</span></span>
        <span> | </span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Stores</h2>
        <table>
          <thead>
            <tr><th>Name</th><th>Version</th><th>Records</th><th>Conflicts</th></tr>
          </thead>
          <tbody id="storeRows"></tbody>
        </table>
      </article>

      <article class="panel">
        <h2>Connections</h2>
        <table>
          <thead>
            <tr><th>Client</th><th>Connected</th></tr>
          </thead>
          <tbody id="connRows"></tbody>
        </table>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const state = { timer: null, intervalMs: 5000, paused: false };

      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        storeRows: document.getElementById("storeRows"),
        connRows: document.getElementById("connRows"),
      };

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function cid() {
        return "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = dom.token.value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(window.location.origin + path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid(),
          },
        });
        const data = await response.json();
        if (!response.ok) {
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + ": " + msg);
        }
        return data;
      }

      function renderStores(stores) {
        dom.storeRows.innerHTML = "";
        if (!Array.isArray(stores) || stores.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"4\">No stores</td>";
          dom.storeRows.appendChild(tr);
          return;
        }
        stores.forEach((store) => {
          const tr = document.createElement("tr");
          tr.innerHTML =
            "<td class=\"mono\">" + String(store.name || "-") + "</td>" +
            "<td>" + String(store.version || 0) + "</td>" +
            "<td>" + String(store.records || 0) + "</td>" +
            "<td>" + String(store.conflicts || 0) + "</td>";
          dom.storeRows.appendChild(tr);
        });
      }

      function renderConnections(connections) {
        dom.connRows.innerHTML = "";
        if (!Array.isArray(connections) || connections.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"2\">No live connections</td>";
          dom.connRows.appendChild(tr);
          return;
        }
        connections.forEach((conn) => {
          const tr = document.createElement("tr");
          const connected = conn.connectedAt ? new Date(conn.connectedAt).toLocaleTimeString() : "-";
          tr.innerHTML =
            "<td class=\"mono\">" + String(conn.clientId || "-") + "</td>" +
            "<td>" + connected + "</td>";
          dom.connRows.appendChild(tr);
        });
      }

      async function refresh() {
        setStatus("refreshing...", "");
        try {
          const backends = await request("/v1/admin/backends");
          renderStores(backends.stores || []);
          renderConnections(backends.connections || []);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("syncstore_dashboard_token", dom.token.value.trim());
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (state.timer) {
          clearInterval(state.timer);
          state.timer = null;
        }
        if (!state.paused) {
          state.timer = setInterval(refresh, state.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        state.paused = !state.paused;
        dom.toggle.textContent = state.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);

      const savedToken = window.localStorage.getItem("syncstore_dashboard_token") || "";
      dom.token.value = savedToken;

      ensureTimer();
      if (savedToken) {
        refresh();
      } else {
        setStatus("enter token to start", "");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}

package api

// dashboardHTML is a small, dependency-free admin dashboard: an endpoint
// table backed by /endpoints, a health summary, and a link to /metrics.
// It intentionally does not replicate the teacher dashboard's tenant
// CRUD forms or Postgres/MySQL mode toggles — this daemon pools a fixed
// set of named endpoints with no inbound proxy traffic to configure.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>mysqlpoold</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
.container{max-width:1200px;margin:0 auto;padding:24px}
header{display:flex;align-items:center;gap:16px;margin-bottom:24px;flex-wrap:wrap}
header h1{font-size:20px;font-weight:700}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-green{background:var(--green)}.dot-red{background:var(--red)}.dot-gray{background:var(--text-muted)}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin-bottom:24px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:28px;font-weight:700}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);text-transform:uppercase;font-size:11px;letter-spacing:.5px}
tr:last-child td{border-bottom:none}
tr:hover td{background:var(--bg-card-hover)}
.btn{display:inline-block;padding:4px 10px;border-radius:var(--radius);font-size:12px;border:1px solid var(--border);background:var(--bg-card);color:var(--text);cursor:pointer}
.btn:hover{background:var(--bg-card-hover)}
.links{margin-top:20px;font-size:13px;color:var(--text-muted)}
.links a{margin-right:16px}
.empty{color:var(--text-muted);padding:24px;text-align:center}
</style>
</head>
<body>
<div class="container">
  <header>
    <h1>mysqlpoold</h1>
    <span id="overall-badge" class="badge">loading…</span>
  </header>

  <div class="summary">
    <div class="card"><div class="card-label">Endpoints</div><div class="card-value" id="stat-endpoints">–</div></div>
    <div class="card"><div class="card-label">Active conns</div><div class="card-value" id="stat-active">–</div></div>
    <div class="card"><div class="card-label">Idle conns</div><div class="card-value" id="stat-idle">–</div></div>
    <div class="card"><div class="card-label">Waiting</div><div class="card-value" id="stat-waiting">–</div></div>
  </div>

  <table>
    <thead>
      <tr><th>Endpoint</th><th>Host</th><th>Health</th><th>Active</th><th>Idle</th><th>Waiting</th><th>Exhausted</th><th></th></tr>
    </thead>
    <tbody id="rows"></tbody>
  </table>

  <div class="links">
    <a href="/metrics">Prometheus metrics</a>
    <a href="/status">Status JSON</a>
    <a href="/config">Config JSON</a>
  </div>
</div>

<script>
async function refresh() {
  let endpoints;
  try {
    endpoints = await (await fetch('/endpoints')).json();
  } catch (e) {
    return;
  }
  endpoints = endpoints || [];

  let active = 0, idle = 0, waiting = 0, unhealthy = 0;
  const rows = endpoints.map(ep => {
    const stats = ep.stats || {active: 0, idle: 0, waiting: 0, pool_exhausted_total: 0};
    const health = ['unknown', 'healthy', 'unhealthy'][ep.health ? ep.health.status : 0] || 'unknown';
    active += stats.active; idle += stats.idle; waiting += stats.waiting;
    if (health === 'unhealthy') unhealthy++;

    const dotClass = health === 'healthy' ? 'dot-green' : (health === 'unhealthy' ? 'dot-red' : 'dot-gray');
    return '<tr>' +
      '<td>' + esc(ep.name) + '</td>' +
      '<td>' + esc(ep.config.Host || ep.config.Socket || '') + '</td>' +
      '<td><span class="dot ' + dotClass + '"></span> ' + health + '</td>' +
      '<td>' + stats.active + '</td>' +
      '<td>' + stats.idle + '</td>' +
      '<td>' + stats.waiting + '</td>' +
      '<td>' + (stats.pool_exhausted_total || 0) + '</td>' +
      '<td><button class="btn" onclick="drain(\'' + esc(ep.name) + '\')">Drain</button></td>' +
      '</tr>';
  });

  document.getElementById('rows').innerHTML = rows.length ? rows.join('') : '<tr><td colspan="8" class="empty">No endpoints configured</td></tr>';
  document.getElementById('stat-endpoints').textContent = endpoints.length;
  document.getElementById('stat-active').textContent = active;
  document.getElementById('stat-idle').textContent = idle;
  document.getElementById('stat-waiting').textContent = waiting;

  const badge = document.getElementById('overall-badge');
  if (unhealthy > 0) {
    badge.className = 'badge badge-unhealthy';
    badge.textContent = unhealthy + ' unhealthy';
  } else {
    badge.className = 'badge badge-healthy';
    badge.textContent = 'all healthy';
  }
}

function esc(s) {
  return String(s == null ? '' : s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
}

async function drain(name) {
  await fetch('/endpoints/' + encodeURIComponent(name) + '/drain', {method: 'POST'});
  refresh();
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`

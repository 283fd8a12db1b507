package relay

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Stream Relay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 12px 20px; background: #1c1c1c; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 12px; }
        .badge { padding: 2px 8px; border-radius: 10px; background: #444; font-size: 12px; }
        .badge.tracking { background: #2e7d32; }
        img { width: 100%; height: auto; background: #000; }
        ul { list-style: none; padding: 0; margin: 0; max-height: 480px; overflow-y: auto; font-size: 13px; }
        li { padding: 4px 0; border-bottom: 1px solid #333; }
        a { color: #8ab4f8; }
    </style>
</head>
<body>
    <div class="header">
        <div>Stream Relay</div>
        <span class="badge" id="state-badge">searching</span>
    </div>
    <div class="grid">
        <div class="panel">
            <h3>Live Feed</h3>
            <img id="stream" src="/video_feed" alt="Live stream">
            <p><a href="/stream-detect">Detection stream</a> &middot; <a href="/frame">Single frame</a></p>
        </div>
        <div class="panel">
            <h3>Motion Events</h3>
            <ul id="events"></ul>
        </div>
    </div>
    <script>
        const badge = document.getElementById('state-badge');
        const list = document.getElementById('events');

        function addEvent(ev) {
            const li = document.createElement('li');
            const time = new Date(ev.time).toLocaleTimeString();
            let text = time + ' ' + ev.kind;
            if (ev.box) {
                text += ' [' + ev.box.x + ',' + ev.box.y + ' ' + ev.box.w + 'x' + ev.box.h + ']';
            }
            if (ev.filename) {
                li.innerHTML = text + ' <a href="/snapshots/' + ev.filename + '" target="_blank">' + ev.filename + '</a>';
            } else {
                li.textContent = text;
            }
            list.prepend(li);
            while (list.children.length > 50) {
                list.removeChild(list.lastChild);
            }
            badge.textContent = ev.state;
            badge.className = 'badge ' + ev.state;
        }

        fetch('/api/motion/status').then(r => r.ok ? r.json() : null).then(s => {
            if (s) {
                badge.textContent = s.state;
                badge.className = 'badge ' + s.state;
            }
        });

        const source = new EventSource('/api/motion/events');
        ['tracking', 'snapshot', 'reset'].forEach(kind => {
            source.addEventListener(kind, e => addEvent(JSON.parse(e.data)));
        });
    </script>
</body>
</html>
`

// Package pulsehub relays Pusher protocol events over websockets.
//
//     pulsehub -addr=:6001
//
// Everything is as ephemeral as can be. An event is sent to the sockets
// subscribed to its channel (if any) and then forgotten. A channel is
// forgotten when its last subscriber disconnects.
//
// Connect with any Pusher client library, or a plain websocket:
//     ws://localhost:6001/app/APP_KEY
//
// The server answers with pusher:connection_established and expects
// pusher:ping / pusher:pong traffic within the heartbeat timeout.
//
// Channels prefixed private- and presence- require an auth signature
// "{key}:{hex hmac-sha256(socket_id:channel, secret)}" when an app
// key/secret pair is configured. Presence channels additionally carry
// channel_data {user_id, user_info} and broadcast member_added and
// member_removed.
//
// Publish by POSTing JSON to any path:
//     curl localhost:6001/ -d '{"name":"my-event","channel":"my-channel","data":{"x":1}}'
//
// When a presence channel empties and a vacancy URL is configured, a
// signed channel_vacated webhook is posted after a short debounce.
//
// Non-websocket GET requests are served HTML with a websocket client that
// subscribes to the channel named by the requested path.
//     http://localhost:6001/my-channel
package main

import (
	"html/template"
)

type templateArgs struct {
	Host, Channel string
}

var webTemplate = template.Must(template.New("webTemplate").Parse(`
<html>
<head>
<title>pulsehub {{.Channel}}</title>
<script type="text/javascript">
    window.addEventListener("load", function() {

    var conn;
    var log = document.getElementById("log");
    var msg = document.getElementById("msg");
    var channel = {{.Channel}};

    function appendLog(text, bold) {
        var doScroll = log.scrollTop == log.scrollHeight - log.clientHeight;
        var item = document.createElement("div");
        if (bold) {
            var b = document.createElement("b");
            b.textContent = text;
            item.appendChild(b);
        } else {
            item.textContent = text;
        }
        log.appendChild(item);
        if (doScroll) {
            log.scrollTop = log.scrollHeight - log.clientHeight;
        }
    }

    document.getElementById("form").onsubmit = function() {
        if (!conn || !msg.value) {
            return false;
        }
        conn.send(msg.value);
        msg.value = "";
        return false;
    };

    if (window["WebSocket"]) {
        conn = new WebSocket("ws://" + {{.Host}} + "/");
        conn.onopen = function() {
            conn.send(JSON.stringify({event: "pusher:subscribe", data: {channel: channel}}));
        };
        conn.onclose = function() {
            appendLog("Connection closed.", true);
        };
        conn.onmessage = function(evt) {
            var frame = JSON.parse(evt.data);
            if (frame.event === "pusher:ping") {
                conn.send(JSON.stringify({event: "pusher:pong"}));
            }
            appendLog(evt.data, false);
        };
        setInterval(function() {
            if (conn.readyState === WebSocket.OPEN) {
                conn.send(JSON.stringify({event: "pusher:ping"}));
            }
        }, 20000);
        msg.focus();
    } else {
        appendLog("Your browser does not support WebSockets.", true);
    }
    });
</script>
<style type="text/css">
html {
    overflow: hidden;
}

body {
    overflow: hidden;
    padding: 0.5em;
    margin: 0;
    width: 100%;
    height: 100%;
    background: gray;
}

#log {
    background: white;
    margin: 0;
    padding: 0.5em 0.5em 0.5em 0.5em;
    position: absolute;
    top: 2.0em;
    left: 0.5em;
    right: 0.5em;
    bottom: 3em;
    overflow: auto;
}

#form {
    padding: 0 0.5em 0 0.5em;
    margin: 0;
    position: absolute;
    bottom: 0.5em;
    left: 0px;
    width: 100%;
    overflow: hidden;
}

</style>
</head>
<body>
<h3>Websocket client for {{.Channel}}</h3>
<div id="log"></div>
<form id="form">
    <input type="submit" value="Send" />
    <input type="text" id="msg" size="64"/>
</form>
</body>
</html>
`))

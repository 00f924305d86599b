package browser

// pageScript is evaluated on every new document before the meeting client
// runs. It wraps RTCPeerConnection transparently, reports tracks and state
// transitions through the exposed callbacks, and provides the media
// primitives (capture, build, replace, play) the Go side drives via Eval.
const pageScript = `(() => {
	if (window.__meetbot) {
		return;
	}

	const st = {
		conns: new Map(),
		tracks: new Map(),
		sources: new Map(),
		nextConn: 1,
		nextSource: 1,
		captureCtx: null,
		playCtx: null,
	};

	const captureCtx = () => {
		if (!st.captureCtx) {
			st.captureCtx = new AudioContext({ sampleRate: 16000 });
		}
		return st.captureCtx;
	};

	const playCtx = () => {
		if (!st.playCtx) {
			st.playCtx = new AudioContext();
		}
		return st.playCtx;
	};

	const OrigPC = window.RTCPeerConnection;
	window.RTCPeerConnection = function (...args) {
		const pc = new OrigPC(...args);
		const connId = 'pc-' + st.nextConn++;
		st.conns.set(connId, pc);
		window.meetbotStateEvent({ connId: connId, state: pc.connectionState || 'new' });

		pc.addEventListener('connectionstatechange', () => {
			window.meetbotStateEvent({ connId: connId, state: pc.connectionState });
		});

		pc.addEventListener('track', (ev) => {
			if (!ev.track || ev.track.kind !== 'audio') {
				return;
			}
			st.tracks.set(ev.track.id, ev.track);
			window.meetbotTrackEvent({ connId: connId, trackId: ev.track.id, direction: 'inbound' });
		});

		const origAddTrack = pc.addTrack.bind(pc);
		pc.addTrack = (track, ...streams) => {
			const sender = origAddTrack(track, ...streams);
			if (track && track.kind === 'audio') {
				st.tracks.set(track.id, track);
				window.meetbotTrackEvent({ connId: connId, trackId: track.id, direction: 'outbound' });
			}
			return sender;
		};

		return pc;
	};
	window.RTCPeerConnection.prototype = OrigPC.prototype;

	const b64encode = (bytes) => {
		let bin = '';
		const chunk = 0x8000;
		for (let i = 0; i < bytes.length; i += chunk) {
			bin += String.fromCharCode.apply(null, bytes.subarray(i, i + chunk));
		}
		return btoa(bin);
	};

	const b64decode = (b64) => {
		const bin = atob(b64);
		const bytes = new Uint8Array(bin.length);
		for (let i = 0; i < bin.length; i++) {
			bytes[i] = bin.charCodeAt(i);
		}
		return bytes;
	};

	window.__meetbot = {
		captureTrack(trackId) {
			const track = st.tracks.get(trackId);
			if (!track) {
				throw new Error('unknown track: ' + trackId);
			}
			const ctx = captureCtx();
			const src = ctx.createMediaStreamSource(new MediaStream([track]));
			const proc = ctx.createScriptProcessor(4096, 1, 1);
			const sink = ctx.createGain();
			sink.gain.value = 0;
			proc.onaudioprocess = (e) => {
				const input = e.inputBuffer.getChannelData(0);
				const pcm = new Int16Array(input.length);
				for (let i = 0; i < input.length; i++) {
					const s = Math.max(-1, Math.min(1, input[i]));
					pcm[i] = s < 0 ? s * 0x8000 : s * 0x7fff;
				}
				window.meetbotAudioFrame({ trackId: trackId, pcm: b64encode(new Uint8Array(pcm.buffer)) });
			};
			src.connect(proc);
			proc.connect(sink);
			sink.connect(ctx.destination);
			return true;
		},

		buildSource(b64, sampleRate) {
			const bytes = b64decode(b64);
			const pcm = new Int16Array(bytes.buffer);
			const ctx = playCtx();
			const buffer = ctx.createBuffer(1, pcm.length, sampleRate);
			const ch = buffer.getChannelData(0);
			for (let i = 0; i < pcm.length; i++) {
				ch[i] = pcm[i] / 32768;
			}

			const sourceId = 'src-' + st.nextSource++;
			const dest = ctx.createMediaStreamDestination();
			const track = dest.stream.getAudioTracks()[0];
			st.tracks.set(sourceId, track);
			st.sources.set(sourceId, { buffer: buffer, dest: dest, node: null, track: track });
			return sourceId;
		},

		replaceTrack(connId, trackId) {
			const pc = st.conns.get(connId);
			if (!pc || pc.connectionState === 'closed' || pc.connectionState === 'failed') {
				throw new Error('connection closed: ' + connId);
			}
			const track = st.tracks.get(trackId);
			if (!track) {
				throw new Error('unknown track: ' + trackId);
			}
			const sender = pc.getSenders().find((s) => s.track && s.track.kind === 'audio');
			if (!sender) {
				throw new Error('no audio sender on: ' + connId);
			}
			return sender.replaceTrack(track).then(() => true);
		},

		play(sourceId) {
			const src = st.sources.get(sourceId);
			if (!src) {
				throw new Error('unknown source: ' + sourceId);
			}
			const ctx = playCtx();
			const node = ctx.createBufferSource();
			node.buffer = src.buffer;
			node.connect(src.dest);
			node.onended = () => window.meetbotPlaybackEnded({ sourceId: sourceId });
			src.node = node;
			node.start();
			return true;
		},

		stopSource(sourceId) {
			const src = st.sources.get(sourceId);
			if (!src) {
				return false;
			}
			if (src.node) {
				try { src.node.stop(); } catch (e) {}
			}
			if (src.track) {
				src.track.stop();
			}
			st.tracks.delete(sourceId);
			st.sources.delete(sourceId);
			return true;
		},
	};
})();`

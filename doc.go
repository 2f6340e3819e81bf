// # Realtime voice client
//
// Package realtime streams microphone audio to a speech-to-speech model over
// a single WebSocket, plays the synthesized reply as it arrives and reports
// completed transcripts through a callback. It speaks both the OpenAI
// Realtime API and the Azure OpenAI preview dialect.
//
// A Session owns three loops: capture sends fixed-size PCM16 frames once the
// server has acknowledged the session configuration, dispatch decodes server
// events and routes them, and playback drains decoded audio to the speaker in
// arrival order. Capabilities registered with the session are offered to the
// model as tools and invoked when it calls them.
package realtime

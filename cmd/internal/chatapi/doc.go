// Package chatapi is the HTTP boundary for rooms and messages.
//
// It shares the realtime stores and broadcast pipeline with the websocket
// gateway: a message posted here is persisted and fanned out exactly like a
// websocket send, and an HTTP client cannot tell the two apart afterwards.
package chatapi

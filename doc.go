// Package hbridge bridges a multi-threaded native HTTP engine and a single-threaded application handler.
//
// # Overview
//
// The engine parses requests on its own goroutines and pushes them as [InboundEvent] values into a channel. The
// [Bridge] consumes that channel, asks a [Router] whether a content source (static files, archives, uploads) claims
// the request, and otherwise invokes the application [Handler]. Handler invocations are serialized on a single
// handler loop, the outcome of each request is correlated back to the engine through its [RequestID].
//
// A minimal example:
//
//	bridge := hbridge.NewBridge(engine, hbridge.HandlerFunc(func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
//	    return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, "hello "+r.Path())), nil
//	}))
//	go bridge.Run(ctx)
//	defer bridge.Stop(ctx)
//
// # Results
//
// A handler answers with one of:
//
//   - [Respond]: a response that is available right away
//   - [Await]: a [Future] that settles later
//   - [Async]: a function computing the response off the handler loop
//   - [Stream]: a function writing a chunked response to an [OutboundStream]
//
// Returning an error, panicking or rejecting a future produces a response with a generic body. Its status is 500
// unless the error wraps an [*Error]:
//
//	return nil, hbridge.NewError(hbridge.CodeNotFound, errors.New("no such item"))
//
// # Correlation
//
// Every request has a [PendingSlot] in the [Correlator]. The slot is finalized exactly once: by the handler's
// response, by the request timeout (504), or by [Bridge.Stop] (503). Whatever comes second is ignored and logged.
//
// # Bodies
//
// Request bodies are a closed set of variants: [NoBody], [Text], [Binary] and [*InboundStream]. Streams are pulled
// from the engine in chunks of at most [DefaultChunkSize]. Buffers that cross from the engine into the bridge, or
// from the handler into the engine, are copied with [CopyForHandoff] first.
package hbridge

/*
Package connection drives a remote engine over a transport.Transport and mirrors the engine's object graph locally.

There are three kinds of messages in this protocol, all JSON, one per frame:

1. Requests, client->engine: {id, guid, method, params, metadata}. The guid is the target object, or "" for
   calls addressed to the connection itself. Ids are allocated from 1 upwards and never reused.
2. Responses, engine->client: {id, result} or {id, error: {error: {name, message, stack}}}, optionally with a
   "log" array of lines describing what the engine was doing when the call failed.
3. Unsolicited messages, engine->client: {guid, method, params} with no id.

Three unsolicited methods are reserved and mutate the local object tree instead of being delivered as events:

  - __create__ {type, guid, initializer}: create a child of the addressed object.
  - __adopt__ {guid}: move the named object under the addressed object.
  - __dispose__ {reason}: dispose the addressed object and all of its descendants. A reason of "gc" means the
    engine collected the object to bound its memory.

The protocol proceeds as follows:

1. The client sends "initialize" to guid "" with its SDK language.
2. The engine announces objects with __create__ and answers with {root: {guid}}, the entry point for every
   subsequent call.
3. Calls and events flow in both directions until either side closes the transport.

Unsolicited messages are handled strictly in arrival order on the transport's read goroutine, so tree mutations
are serialized with respect to each other. Responses may arrive in any order; each resolves only its own call.
Anything inconsistent in an inbound message (an unknown response id, an event for an object that does not exist)
closes the whole connection, since the local tree can no longer be trusted.

Closing the connection fails every outstanding call with an error matching ErrTargetClosed, and every later call
fails immediately without touching the transport. A caller that stops waiting (its context is done) does not
cancel the call in the engine; the response is discarded when it arrives.
*/
package connection

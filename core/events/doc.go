// Package events defines the typed session event contract.
//
// Event kinds are grouped by namespaces:
//
//   - session.*
//   - recognition.*
//   - model.*
//   - tool_call.*
//
// Delivery used across the package:
//
//   - Queued: delivered one at a time, in emit order, on the channel of its
//     namespace (recognition or model). Queued model events are dropped by a
//     flush.
//   - Immediate: dispatched synchronously on receipt, ahead of queued work.
//
// session events (immediate)
//
//   - UserJoined (session.user_joined): a user joined.
//   - UserLeft (session.user_left): a user left.
//   - CommandAcknowledged (session.command_acknowledged): an inbound command
//     was handled; carries the outcome.
//
// recognition events (queued)
//
//   - RecognitionResult (recognition.result): interim or final transcript of
//     user speech with recognizer metadata.
//
// model events (queued)
//
//   - ModelResponse (model.response): streamed message or reasoning update;
//     Text is the accumulated output, IsFinal marks the terminal update.
//   - TurnAborted (model.turn_aborted): the turn ended without a usable
//     response, e.g. the model service failed.
//
// tool_call events (immediate)
//
//   - ToolRegistered (tool_call.registered): a tool became available.
//   - ToolCallStarted (tool_call.started): tool execution started.
//   - ToolCallCompleted (tool_call.completed): tool execution completed.
//   - ToolCallFailed (tool_call.failed): tool execution failed.
package events

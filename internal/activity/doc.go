// Package activity tracks what the assistant is doing in a session.
//
// A Machine holds one of five states (idle, thinking, responding, executing,
// error) and only moves along a fixed edge table:
//
//	idle                          -> thinking | responding | executing
//	thinking|responding|executing -> idle
//	any                           -> error
//	error                         -> idle | responding
//
// Transition rejects anything else with ErrInvalidTransition. Request is what
// event handling uses: it reaches the requested state through idle when no
// direct edge exists, so the last event received always decides the state.
// Reset forces idle and is used on connection loss.
package activity

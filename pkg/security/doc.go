// Package security bounds what callers and users can put into the queue
// and the job records.
//
// Names and handles are checked before a run is stored. Free text (error
// messages, typed clarification answers) is stripped of control characters
// and truncated before it is saved or sent to a model.
package security

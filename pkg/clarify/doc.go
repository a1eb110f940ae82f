// Package clarify implements the clarification gate: the protocol that
// suspends a research job on a question and resumes it when the user answers.
//
// A channel holds at most one open question. Answers arrive either as a
// button callback encoded as research_focus:<jobId>:<selection> or, after
// the "custom" button or while a question is open, as free text. Every write
// for a job happens under that job's lock and an optimistic version check,
// so a double-submit resumes the job once.
package clarify

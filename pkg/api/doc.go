// Package api serves the HTTP interface of the research service.
//
// Routes:
//
//	POST /v1/jobs                      create a job for a task
//	GET  /v1/jobs/:id                  job status and results
//	POST /v1/jobs/:id/cancel           cancel a waiting job
//	GET  /v1/users/:id/jobs            a user's recent jobs
//	GET  /v1/users/:id/quota           a user's daily quota
//	POST /v1/clarifications/callback   a button press on a clarification menu
//	POST /v1/clarifications/reply      a free-text clarification answer
//	GET  /healthz
//
// TelegramWebhook adds POST /v1/telegram/webhook, which routes bot updates
// to the same clarification handlers.
package api

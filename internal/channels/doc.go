// Package channels defines the transport boundary of the dispatcher.
//
// An Adapter delivers one rendered payload to one recipient. Errors returned
// by Send are classified with Transient and Permanent; anything unclassified
// is treated as transient and retried.
//
// Reference adapters:
//   - log: writes the rendered message to the service log
//   - webhook: POSTs a JSON body to a fixed URL or to the recipient address
//   - telegram: sends a chat message through a Telegram bot
package channels

// Package services holds the narrow clients for external generation
// collaborators (content extraction, script and speech synthesis, audio
// composition, platform distribution, object storage) plus the error markers
// the rest of podforge uses to classify failures as retryable or terminal.
//
// Each collaborator is a single blocking call behind a small interface;
// nothing here touches job or queue state.
package services

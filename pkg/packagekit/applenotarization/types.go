package applenotarization

// notarizationResponse is what `notarytool submit --wait` returns.
// With --wait the submission response already carries the terminal
// status, so the id/status pair is everything the pipeline needs.
type notarizationResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

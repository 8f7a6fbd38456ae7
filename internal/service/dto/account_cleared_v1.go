package dto

// [BUS_V1] published by the registration service when an account
// re-registers and its queues must be wiped.
type AccountClearedV1 struct {
	Account string `json:"account"`
}

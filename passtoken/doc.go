// Package passtoken mints and verifies the short-lived JWTs a goCaptcha
// store hands out on successful verification. Front-line middleware can
// honor a valid token without consulting the store, so one solved
// challenge covers many requests.
//
// # What this package must NOT do
//
//   - Store or look up any per-subject state; the token is the state.
//   - Import the root goCaptcha package.
package passtoken

// Package policy implements the Rego-based submission gate. Built-in
// policies cap plan endpoint counts and bound concurrent
// resource-intensive executor work; operators can add or override
// policies by pointing the engine at directories of .rego files.
package policy

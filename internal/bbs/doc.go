// Package bbs defines the core domain types shared by the command,
// workflow, router, and transport layers: user-facing packets (ToUser,
// FromUser), structured board messages, permission levels with the
// authorization rules, workflow state, and the user-visible error
// taxonomy.
//
// The package is deliberately leaf-level: it imports nothing from the
// rest of the tree so every layer can depend on it without cycles.
package bbs

// Package supportbot implements a Discord support bot for a game-mod
// community.
//
// The bot answers staff-curated tags, keeps a directory of community
// servers, checks pasted "Mods Loaded" lists against a published mod
// catalog, and fetches pull request details and build artifacts from
// the mod's code-hosting repository.
//
// Key components of the package include:
//
//   - Bot: wires the stores, the Discord session and the admin API together.
//   - CommandRouter: turns messages and slash commands into CommandEvents.
//   - CommandRegistry: command descriptors and their permission tiers.
//   - KeywordStore and DirectoryStore: cached, persisted tags and servers.
//   - ModVersionClassifier: classifies mods against the catalog snapshot.
//   - GitHubClient: rate-limited access to pull requests and artifacts.
//   - API: an optional admin API for health checks and catalog reloads.
//
// Commands are triggered with a single-character prefix (`!` by default)
// or as slash commands, and each command declares who may run it and
// in which channels.
package supportbot

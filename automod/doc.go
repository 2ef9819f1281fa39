// Moderation engine for group chats: new-member checks and a message funnel.
//
// This package (`github.com/chatwarden/warden/automod`) re-exports the types funnel stages are written against. Incoming events (a member joining, a message, a captcha answer) run through an ordered funnel of cheap-to-expensive stages: the captcha posting gate, stop words, link and keyword triggers, and finally an external LLM classifier. The first conclusive verdict is applied to the member's reputation, whose escalation policy produces a single Decision per event. Decisions are applied by a platform-specific executor, and every event is written to an audit trail.
//
// See `automod/rules` for the default stages, and `cmd/warden` for a daemon built on this package.
package automod

package rules

import (
	"strings"

	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/helpers"
	"github.com/chatwarden/warden/automod/setstore"
)

var _ automod.StageFunc = LinkTriggerStage

// Registers a classifier trigger for each link or mention, except links to allow-listed domains (or their subdomains).
func LinkTriggerStage(c *automod.MessageContext) error {
	for _, link := range c.Links {
		if strings.HasPrefix(link, "@") {
			c.AddTrigger("mention:" + link)
			continue
		}
		host := helpers.LinkHost(link)
		if host == "" {
			continue
		}
		if domainAllowed(c, host) {
			c.Logger.Debug("skipping allow-listed link", "host", host)
			continue
		}
		c.AddTrigger("link:" + host)
	}
	if c.Triggered() {
		c.Increment("warden-link-messages", c.Message.ChatID)
	}
	return nil
}

func domainAllowed(c *automod.MessageContext, host string) bool {
	for _, d := range helpers.ParentDomains(host) {
		if c.InSet(setstore.SetAllowedDomains, d) {
			return true
		}
	}
	return false
}

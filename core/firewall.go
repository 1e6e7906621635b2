package core

import (
	"context"
	"net/netip"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"go.uber.org/zap"
)

// firewall applies the admin-defined IP rules: active rules in
// (sort_order, id) order, first match wins.
type firewall struct {
	store        *store
	log          *zap.SugaredLogger
	ttl          time.Duration
	reads        cache.Cache
	defaultAllow bool
}

func newFirewall(st *store, ttl time.Duration, defaultAllow bool, log *zap.SugaredLogger) (*firewall, error) {
	reads, err := cache.NewCache(cache.MaxKeys(4), cache.TTL(ttl), cache.LRU())
	if err != nil {
		return nil, err
	}
	return &firewall{store: st, log: log, ttl: ttl, reads: reads, defaultAllow: defaultAllow}, nil
}

// Check blocks or admits a client IP. An unparsable or empty IP is
// always blocked.
func (fw *firewall) Check(ctx context.Context, clientIP string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return newError(FirewallBlocked, "request blocked")
	}
	addr = addr.Unmap()

	rules, err := fw.rules(ctx)
	if err != nil {
		return err
	}

	for _, r := range rules {
		prefix, perr := rulePrefix(r.CIDR)
		if perr != nil {
			fw.log.Debugw("skipping invalid firewall rule", "rule", r.ID, "cidr", r.CIDR, "error", perr)
			continue
		}
		if prefix.Contains(addr) {
			if strings.EqualFold(r.Action, "allow") {
				return nil
			}
			return newError(FirewallBlocked, "request blocked")
		}
	}

	if fw.defaultAllow {
		return nil
	}
	return newError(FirewallBlocked, "request blocked")
}

// rulePrefix parses a CIDR, treating a bare IP as /32 or /128.
func rulePrefix(cidr string) (netip.Prefix, error) {
	cidr = strings.TrimSpace(cidr)
	if strings.Contains(cidr, "/") {
		return netip.ParsePrefix(cidr)
	}
	addr, err := netip.ParseAddr(cidr)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (fw *firewall) rules(ctx context.Context) ([]FirewallRule, error) {
	if v, ok := fw.reads.Get("rules"); ok {
		return v.([]FirewallRule), nil
	}
	rules, err := fw.store.ActiveFirewallRules(ctx)
	if err != nil {
		return nil, err
	}
	fw.reads.Set("rules", rules, fw.ttl)
	return rules, nil
}

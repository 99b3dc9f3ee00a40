// Package resource loads the plain-text CIDR and domain lists referenced by
// the configuration file.
package resource

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// LoadCIDRs reads one IPv4 CIDR block per line. Lines that fail to parse are
// skipped silently (ResourceParseLine); a missing file is fatal (ResourceLoad).
func LoadCIDRs(path string) ([]*net.IPNet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resource: open %s: %w", path, err)
	}
	defer f.Close()

	var nets []*net.IPNet
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		_, ipnet, err := net.ParseCIDR(line)
		if err != nil {
			log.Debug().Str("line", line).Err(err).Msg("skipping unparsable CIDR line")
			continue
		}
		if ipnet.IP.To4() == nil {
			log.Debug().Str("line", line).Msg("skipping non-IPv4 CIDR line")
			continue
		}
		nets = append(nets, ipnet)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", path, err)
	}
	return nets, nil
}

// LoadDomains reads one host name (or suffix) per line.
func LoadDomains(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resource: open %s: %w", path, err)
	}
	defer f.Close()

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		line = strings.TrimSuffix(line, ".")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", path, err)
	}
	return domains, nil
}

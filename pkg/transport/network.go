package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseIPRange parsea un rango de IPs en formato "192.168.1.1-254",
// "192.168.1.0/24" o una IP individual. Retorna lista de IPs individuales
func ParseIPRange(ipRange string) ([]string, error) {
	ipRange = strings.TrimSpace(ipRange)

	if strings.Contains(ipRange, "/") {
		return parseCIDR(ipRange)
	}

	parts := strings.Split(ipRange, "-")
	if len(parts) == 2 {
		// Formato: 192.168.1.1-254
		return parseRangeFormat(parts[0], parts[1])
	}

	if len(parts) == 1 {
		// IP individual
		if net.ParseIP(ipRange) != nil {
			return []string{ipRange}, nil
		}
		return nil, fmt.Errorf("formato de IP inválido: %s", ipRange)
	}

	return nil, fmt.Errorf("formato de rango inválido: %s. Use: 192.168.1.1-254 o 192.168.1.0/24", ipRange)
}

// parseRangeFormat maneja rangos como "192.168.1.1" y "254"
func parseRangeFormat(startIP, endOctet string) ([]string, error) {
	ip := net.ParseIP(startIP)
	if ip == nil {
		return nil, fmt.Errorf("IP inicial inválida: %s", startIP)
	}

	ipv4 := ip.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("solo se soporta IPv4: %s", startIP)
	}

	endNum, err := strconv.Atoi(endOctet)
	if err != nil {
		return nil, fmt.Errorf("octeto final inválido: %s", endOctet)
	}
	if endNum < 0 || endNum > 255 {
		return nil, fmt.Errorf("octeto fuera de rango (0-255): %d", endNum)
	}

	startNum := int(ipv4[3])
	if endNum < startNum {
		return nil, fmt.Errorf("rango descendente: %s-%s", startIP, endOctet)
	}

	var ips []string
	for i := startNum; i <= endNum; i++ {
		ips = append(ips, net.IPv4(ipv4[0], ipv4[1], ipv4[2], byte(i)).String())
	}
	return ips, nil
}

// parseCIDR expande una red IPv4 sin la dirección de red ni broadcast
// (salvo /31 y /32). Redes más grandes que /16 se rechazan.
func parseCIDR(cidr string) ([]string, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("CIDR inválido: %s", cidr)
	}
	base := network.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("solo se soporta IPv4: %s", cidr)
	}
	ones, bits := network.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("red demasiado grande: %s", cidr)
	}

	size := 1 << (bits - ones)
	start := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])

	first, last := 0, size-1
	if size > 2 {
		first, last = 1, size-2
	}

	ips := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		n := start + uint32(i)
		ips = append(ips, net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).String())
	}
	return ips, nil
}

// ExpandRanges une y deduplica varios rangos conservando el orden.
func ExpandRanges(ranges []string) ([]string, error) {
	seen := make(map[string]bool)
	var all []string
	for _, r := range ranges {
		ips, err := ParseIPRange(r)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if !seen[ip] {
				seen[ip] = true
				all = append(all, ip)
			}
		}
	}
	return all, nil
}

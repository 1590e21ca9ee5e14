package x402

// findByNetworkAndScheme finds a scheme implementation for a given network/scheme combination
// This supports pattern matching for networks (e.g., "solana*")
func findByNetworkAndScheme[T any](networkMap map[Network]map[string]T, scheme string, network Network) (T, bool) {
	var zero T

	// Try exact match first
	if schemeMap, exists := networkMap[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl, true
		}
	}

	// Try pattern matching
	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) || registeredNetwork.Match(network) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl, true
			}
		}
	}

	return zero, false
}

// isSupportedNetwork reports whether any scheme is registered for network
func isSupportedNetwork[T any](networkMap map[Network]map[string]T, network Network) bool {
	if _, exists := networkMap[network]; exists {
		return true
	}
	for registeredNetwork := range networkMap {
		if network.Match(registeredNetwork) || registeredNetwork.Match(network) {
			return true
		}
	}
	return false
}

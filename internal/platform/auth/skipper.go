package auth

// publicPaths bypass session resolution. Probes must not mint device tokens.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// IsPublicPath reports whether path is an infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

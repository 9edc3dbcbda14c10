/*
Package certs turns x509 certificates into Certificate and
WebsiteCertificate resources.

Certificates come from PEM files (LoadFile) or from the leaf served by a
TLS site (Fetch). Either way the resource is identified by its thumbprint,
the hex SHA-256 of the DER encoding, so importing the same certificate
twice stages nothing the second time:

	found, err := certs.LoadFile("/etc/ssl/site.pem")
	...
	for _, c := range found {
		certs.Stage(cs, store, c)
	}

Expiring lists the certificates ending before a given time.
*/
package certs

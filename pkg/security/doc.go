/*
Package security implements a certificate authority for nacosd's optional
mTLS listener mode: a self-signed root, node/client certificate issuance,
and the on-disk layout pkg/api.ServerTLSConfig reads at startup.

# Architecture

	┌─────────────────────────────────────────────┐
	│              CertAuthority                   │
	│  Root CA (self-signed, RSA 4096, 10y)        │
	│  ├── IssueNodeCertificate (RSA 2048, 90d)    │
	│  └── IssueClientCertificate (RSA 2048, 90d)  │
	└──────────────────┬────────────────────────────┘
	                   │ SaveToStore / LoadFromStore
	            ┌──────▼──────┐
	            │ storage.Store│  (bucket "ca", key "root-ca")
	            └─────────────┘

	On-disk cert material (certs.go), read by api.ServerTLSConfig:

	  ~/.nacosd/certs/server-{nodeID}/{node.crt,node.key,ca.crt}

# Certificate Authority

NewCertAuthority wraps a storage.Store. Initialize generates a fresh root
CA; LoadFromStore/SaveToStore round-trip it (the private key is persisted
alongside the certificate — nacosd has no separate secrets-at-rest layer
guarding it, so the store itself must be access-controlled). Every
IssueNodeCertificate/IssueClientCertificate call generates a fresh RSA key
and certificate and records the result in an in-memory cache by ID, which
GetCachedCert reads; issuance itself never consults the cache.

# Certificate Files

certs.go manages the on-disk PEM layout under a per-role, per-node
directory: SaveCertToFile/LoadCertFromFile for the leaf cert + key,
SaveCACertToFile/LoadCACertFromFile for the trust anchor. CertNeedsRotation
flags certificates inside the 30-day renewal window; nacosd does not
automate renewal — that remains an operational (cron-driven re-issue)
concern.

# Integration

pkg/api.ServerTLSConfig(nodeID) is the sole caller: it loads the server
certificate and CA pool for nodeID and builds a *tls.Config requesting
(not requiring) a client certificate, handed to Server when the --tls
flag is set. Authorization by client certificate identity is not
implemented — AuthLevel (see codec.ConnContext) governs what an RPC may
do, independent of whether the transport is mTLS.
*/
package security

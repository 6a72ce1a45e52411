// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package digest

import "crypto/sha256"

func sha256Sum(b []byte) (d Digest) {
	return Digest(sha256.Sum256(b))
}

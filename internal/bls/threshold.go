package bls

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	kyberbls "go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// partialIndexSize is the big-endian index prefix on a threshold partial.
const partialIndexSize = 2

// ErrBelowThreshold is returned by Recover when fewer partials are given
// than the scheme's threshold.
var ErrBelowThreshold = errors.New("not enough partials to recover the threshold signature")

// thresholdSuite is the pairing suite of the threshold scheme. Partials
// and recovered signatures live in G1, keys in G2.
var thresholdSuite = bn256.NewSuite()

// ThresholdShare is one validator's private share of the cluster's
// threshold signing key. Shares are dealt at cluster setup; the share
// index must equal the validator's index in the set.
type ThresholdShare struct {
	pri *share.PriShare
}

// Index returns the share's position in the dealt polynomial.
func (s *ThresholdShare) Index() int {
	return s.pri.I
}

// Sign produces this share's partial signature over the message. Any
// threshold-sized set of partials over the same message recovers the one
// cluster signature.
func (s *ThresholdShare) Sign(message []byte) ([]byte, error) {
	sig, err := tbls.Sign(thresholdSuite, s.pri, message)
	if err != nil {
		return nil, fmt.Errorf("threshold partial sign:\n%w", err)
	}

	return sig, nil
}

// MarshalBinary encodes the share for a key file.
func (s *ThresholdShare) MarshalBinary() ([]byte, error) {
	scalar, err := s.pri.V.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal share scalar:\n%w", err)
	}

	buf := make([]byte, partialIndexSize+len(scalar))
	binary.BigEndian.PutUint16(buf, uint16(s.pri.I))
	copy(buf[partialIndexSize:], scalar)

	return buf, nil
}

// DecodeThresholdShare is the inverse of ThresholdShare.MarshalBinary.
func DecodeThresholdShare(data []byte) (*ThresholdShare, error) {
	if len(data) <= partialIndexSize {
		return nil, fmt.Errorf("threshold share too short: %d bytes", len(data))
	}

	v := thresholdSuite.G2().Scalar()
	if err := v.UnmarshalBinary(data[partialIndexSize:]); err != nil {
		return nil, fmt.Errorf("unmarshal share scalar:\n%w", err)
	}

	return &ThresholdShare{
		pri: &share.PriShare{
			I: int(binary.BigEndian.Uint16(data)),
			V: v,
		},
	}, nil
}

// ThresholdPublic is the cluster's public threshold polynomial. It checks
// individual partials and recovers or verifies the unique cluster
// signature.
type ThresholdPublic struct {
	poly         *share.PubPoly
	participants int
}

// Threshold returns how many partials recovery needs.
func (p *ThresholdPublic) Threshold() int {
	return p.poly.Threshold()
}

// Participants returns how many shares were dealt.
func (p *ThresholdPublic) Participants() int {
	return p.participants
}

// VerifyPartial checks one partial signature over the message.
func (p *ThresholdPublic) VerifyPartial(message, partial []byte) error {
	return tbls.Verify(thresholdSuite, p.poly, message, partial)
}

// PartialIndex returns the share index a partial was produced with.
func (p *ThresholdPublic) PartialIndex(partial []byte) (int, error) {
	if len(partial) <= partialIndexSize {
		return 0, fmt.Errorf("partial too short: %d bytes", len(partial))
	}

	return int(binary.BigEndian.Uint16(partial)), nil
}

// Recover interpolates the cluster signature from a threshold of
// partials. The result is the same bytes no matter which partials are
// used, which is what makes the recovered signature usable as a beacon.
func (p *ThresholdPublic) Recover(message []byte, partials [][]byte) ([]byte, error) {
	if len(partials) < p.Threshold() {
		return nil, fmt.Errorf("%d of %d partials:\n%w", len(partials), p.Threshold(), ErrBelowThreshold)
	}

	sig, err := tbls.Recover(thresholdSuite, p.poly, message, partials, p.Threshold(), p.participants)
	if err != nil {
		return nil, fmt.Errorf("recover threshold signature:\n%w", err)
	}

	return sig, nil
}

// Verify checks a recovered cluster signature over the message.
func (p *ThresholdPublic) Verify(message, signature []byte) error {
	return kyberbls.Verify(thresholdSuite, p.poly.Commit(), message, signature)
}

// MarshalBinary encodes the polynomial's commitments for a cluster file.
func (p *ThresholdPublic) MarshalBinary() ([]byte, error) {
	_, commits := p.poly.Info()

	buf := make([]byte, partialIndexSize, partialIndexSize+len(commits)*128)
	binary.BigEndian.PutUint16(buf, uint16(len(commits)))

	for i, commit := range commits {
		b, err := commit.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal commitment %d:\n%w", i, err)
		}
		buf = append(buf, b...)
	}

	return buf, nil
}

// DecodeThresholdPublic is the inverse of ThresholdPublic.MarshalBinary.
// The participant count is not part of the encoding and comes from the
// validator set.
func DecodeThresholdPublic(data []byte, participants int) (*ThresholdPublic, error) {
	if len(data) < partialIndexSize {
		return nil, fmt.Errorf("threshold public key too short: %d bytes", len(data))
	}

	count := int(binary.BigEndian.Uint16(data))
	if count == 0 {
		return nil, fmt.Errorf("threshold public key names no commitments")
	}

	data = data[partialIndexSize:]
	pointLen := thresholdSuite.G2().PointLen()
	if len(data) != count*pointLen {
		return nil, fmt.Errorf("threshold public key: %d bytes for %d commitments", len(data), count)
	}

	commits := make([]kyber.Point, count)
	for i := range commits {
		commits[i] = thresholdSuite.G2().Point()
		if err := commits[i].UnmarshalBinary(data[i*pointLen : (i+1)*pointLen]); err != nil {
			return nil, fmt.Errorf("unmarshal commitment %d:\n%w", i, err)
		}
	}

	return &ThresholdPublic{
		poly:         share.NewPubPoly(thresholdSuite.G2(), thresholdSuite.G2().Point().Base(), commits),
		participants: participants,
	}, nil
}

// GenThresholdKeys deals a fresh t-of-n threshold key: one private share
// per participant, indexed 0..n-1, plus the public polynomial. Run by the
// cluster's dealer at setup; every share must reach exactly one validator.
func GenThresholdKeys(t, n int) ([]*ThresholdShare, *ThresholdPublic, error) {
	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("invalid threshold %d of %d", t, n)
	}

	secret := thresholdSuite.G1().Scalar().Pick(thresholdSuite.RandomStream())
	priPoly := share.NewPriPoly(thresholdSuite.G2(), t, secret, thresholdSuite.RandomStream())
	pubPoly := priPoly.Commit(thresholdSuite.G2().Point().Base())

	priShares := priPoly.Shares(n)
	shares := make([]*ThresholdShare, n)
	for i, pri := range priShares {
		shares[i] = &ThresholdShare{pri: pri}
	}

	return shares, &ThresholdPublic{poly: pubPoly, participants: n}, nil
}

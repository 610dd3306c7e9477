package kernel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
)

// certificatePayload is the payload for certificate records: an
// attribute-level model, deliberately free of any wire
// encoding.
type certificatePayload struct {
	subjectLabel string
	validFrom    int64
	validTo      int64
	selfSigned   bool
	issuer       Handle

	// Populated by cert-sign; presence marks the certificate high.
	signerLabel string
	signature   []byte
}

// certMessageHandler handles the certificate-specific messages. Sign and
// check are dispatched with release because both nest a message
// into the signing context.
func certMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	switch msg.typ {
	case MsgCertSign:
		return nil, k.certSign(obj.handle, msg)
	case MsgCertCheck:
		return nil, k.certCheck(obj.handle, msg)
	case MsgCertExport:
		p, ok := obj.payload.(*certificatePayload)
		if !ok {
			return nil, errArgument(LocusHandle, "object has no certificate payload")
		}
		return encodeCertificate(p), nil
	}
	return nil, errNotAvailable(LocusHandle, "message not handled by certificate")
}

// certSign implements cert-sign: hash the to-be-signed attribute
// block, sign it through the signing context via a nested dispatch, and
// perform the certificate's one-way low→high transition.
func (k *Kernel) certSign(certHandle Handle, msg *message) error {
	signer := msg.data.(Handle) // shape pre-checked by the ACL

	obj, err := k.table.acquire(certHandle)
	if err != nil {
		return err
	}
	p, ok := obj.payload.(*certificatePayload)
	if !ok {
		k.table.release(obj)
		return errArgument(LocusHandle, "object has no certificate payload")
	}
	if len(p.subjectLabel) == 0 {
		k.table.release(obj)
		return errNotInitialised(LocusAttribute)
	}
	tbs := encodeTBS(p)
	k.table.release(obj)

	digest := sha256.Sum256(tbs)
	sigAny, err := k.sendInternal(context.Background(), signer, MsgCtxSign, nil, digest[:])
	if err != nil {
		return err
	}
	sig, _ := sigAny.([]byte)

	var signerLabel string
	if labelAny, lerr := k.sendInternal(context.Background(), signer, MsgGetAttrString, AttrLabel, nil); lerr == nil {
		if b, ok := labelAny.([]byte); ok {
			signerLabel = string(b)
		}
	}

	obj, err = k.table.acquire(certHandle)
	if err != nil {
		return err
	}
	defer k.table.release(obj)
	p, ok = obj.payload.(*certificatePayload)
	if !ok {
		return errArgument(LocusHandle, "certificate destroyed during signing")
	}
	p.signature = sig
	p.signerLabel = signerLabel
	p.selfSigned = p.issuer == NoHandle || p.issuer == 0
	obj.state = StateHigh
	return nil
}

// certCheck implements cert-check: recompute the to-be-signed hash
// and verify the stored signature through the given PKC context.
func (k *Kernel) certCheck(certHandle Handle, msg *message) error {
	verifier, ok := msg.data.(Handle)
	if !ok {
		return errArgument(LocusHandle, "cert-check requires a verification context handle")
	}

	obj, err := k.table.acquire(certHandle)
	if err != nil {
		return err
	}
	p, pok := obj.payload.(*certificatePayload)
	if !pok {
		k.table.release(obj)
		return errArgument(LocusHandle, "object has no certificate payload")
	}
	tbs := encodeTBS(p)
	sig := append([]byte(nil), p.signature...)
	k.table.release(obj)

	if len(sig) == 0 {
		return errNotInitialised(LocusAttribute)
	}
	digest := sha256.Sum256(tbs)
	_, err = k.sendInternal(context.Background(), verifier, MsgCtxSigCheck, digest[:], sig)
	return err
}

// --- certificate attribute storage ---------------------------------------

func getCertAttr(p *certificatePayload, id AttrID) (any, error) {
	switch id {
	case AttrCertSubjectLabel:
		return []byte(p.subjectLabel), nil
	case AttrCertValidFrom:
		return p.validFrom, nil
	case AttrCertValidTo:
		return p.validTo, nil
	case AttrCertSelfSigned:
		return boolInt(p.selfSigned), nil
	case AttrCertIssuer:
		return p.issuer, nil
	}
	return nil, errNotFound(LocusAttribute, "attribute has no value on this certificate")
}

func applyCertAttr(p *certificatePayload, id AttrID, value any) error {
	switch id {
	case AttrCertSubjectLabel:
		b, _ := asBytes(value)
		p.subjectLabel = string(b)
		return nil
	case AttrCertValidFrom:
		v, _ := toInt64(value)
		p.validFrom = v
		return nil
	case AttrCertValidTo:
		v, _ := toInt64(value)
		p.validTo = v
		return nil
	case AttrCertIssuer:
		v, _ := toInt64(value)
		p.issuer = Handle(v)
		return nil
	}
	return errNotFound(LocusAttribute, "attribute cannot be stored on this certificate")
}

func deleteCertAttr(p *certificatePayload, id AttrID) error {
	switch id {
	case AttrCertValidFrom:
		p.validFrom = 0
		return nil
	case AttrCertValidTo:
		p.validTo = 0
		return nil
	}
	return errNotFound(LocusAttribute, "attribute is not deletable on this certificate")
}

// --- encoding --------------------------------------------------------------

// The export format is a private length-prefixed field sequence, enough
// for the attribute-level export∘import = id law without any
// standardised encoding. One version byte guards evolution.
const certEncodingVersion = 1

func encodeTBS(p *certificatePayload) []byte {
	var buf bytes.Buffer
	buf.WriteByte(certEncodingVersion)
	writeField(&buf, []byte(p.subjectLabel))
	writeInt(&buf, p.validFrom)
	writeInt(&buf, p.validTo)
	return buf.Bytes()
}

func encodeCertificate(p *certificatePayload) []byte {
	var buf bytes.Buffer
	buf.Write(encodeTBS(p))
	writeField(&buf, []byte(p.signerLabel))
	writeField(&buf, p.signature)
	return buf.Bytes()
}

func decodeCertificate(data []byte) (*certificatePayload, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil || version != certEncodingVersion {
		return nil, newErr(StatusBadData, LocusAttribute, "unsupported certificate encoding")
	}
	p := &certificatePayload{}
	subject, err := readField(r)
	if err != nil {
		return nil, err
	}
	p.subjectLabel = string(subject)
	if p.validFrom, err = readInt(r); err != nil {
		return nil, err
	}
	if p.validTo, err = readInt(r); err != nil {
		return nil, err
	}
	signer, err := readField(r)
	if err != nil {
		return nil, err
	}
	p.signerLabel = string(signer)
	if p.signature, err = readField(r); err != nil {
		return nil, err
	}
	return p, nil
}

// deviceImportCertificate backs dev-create-object-indirect: rebuild a
// certificate record from its exported form. A
// signed import lands directly in high state.
func (k *Kernel) deviceImportCertificate(devHandle Handle, data []byte) (Handle, error) {
	p, err := decodeCertificate(data)
	if err != nil {
		return NoHandle, err
	}
	h, err := k.createSimpleObject(devHandle, ObjectTypeCertificate, SubtypeCertCert, p, certMessageHandler, p.subjectLabel)
	if err != nil {
		return NoHandle, err
	}
	if len(p.signature) > 0 {
		if obj, aerr := k.table.acquire(h); aerr == nil {
			obj.state = StateHigh
			k.table.release(obj)
		}
	}
	return h, nil
}

func writeField(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func writeInt(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readField(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, newErr(StatusIncompleteData, LocusAttribute, "truncated certificate encoding")
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > uint32(r.Len()) {
		return nil, newErr(StatusBadData, LocusAttribute, "corrupt certificate encoding")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, newErr(StatusIncompleteData, LocusAttribute, "truncated certificate encoding")
	}
	return b, nil
}

func readInt(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, newErr(StatusIncompleteData, LocusAttribute, "truncated certificate encoding")
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

package svm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// An SVM instrument is a serialized transaction message plus the payer's
// 64-byte ed25519 signature over it. The payer is the fee payer and the only
// required signer.

// decodeMessage parses an instrument's message bytes
func decodeMessage(raw []byte) (*solana.Message, error) {
	msg := new(solana.Message)
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if len(msg.AccountKeys) == 0 {
		return nil, errors.New("message has no accounts")
	}
	if msg.Header.NumRequiredSignatures != 1 {
		return nil, fmt.Errorf("message requires %d signatures, expected 1", msg.Header.NumRequiredSignatures)
	}
	if len(msg.AddressTableLookups) > 0 {
		return nil, errors.New("address table lookups are not supported")
	}
	return msg, nil
}

// payerOf returns the fee payer, which is also the single signer
func payerOf(msg *solana.Message) solana.PublicKey {
	return msg.AccountKeys[0]
}

func signatureOf(raw []byte) (solana.Signature, error) {
	var sig solana.Signature
	if len(raw) != len(sig) {
		return sig, fmt.Errorf("%w: expected %d bytes, got %d", x402.ErrInvalidSignature, len(sig), len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// instructionAccounts resolves the account metas of a compiled instruction
func instructionAccounts(msg *solana.Message, ix solana.CompiledInstruction) ([]*solana.AccountMeta, error) {
	metas := make([]*solana.AccountMeta, 0, len(ix.Accounts))
	for _, idx := range ix.Accounts {
		if int(idx) >= len(msg.AccountKeys) {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		key := msg.AccountKeys[idx]
		metas = append(metas, &solana.AccountMeta{PublicKey: key, IsSigner: msg.IsSigner(key)})
	}
	return metas, nil
}

// messageTransfers decodes every value movement in a message. Compute
// budget instructions are skipped; any other program, or a transfer not
// authorized by the fee payer, is an unsupported effect.
func messageTransfers(msg *solana.Message) ([]x402.EconomicFields, error) {
	payer := payerOf(msg)
	var transfers []x402.EconomicFields
	budget := 0

	for i, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			return nil, fmt.Errorf("instruction %d: program index out of range", i)
		}
		program := msg.AccountKeys[ix.ProgramIDIndex]
		accounts, err := instructionAccounts(msg, ix)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}

		switch {
		case program.Equals(computebudget.ProgramID):
			budget++
			if budget > MaxComputeBudgetInstructions {
				return nil, fmt.Errorf("%w: too many compute budget instructions", x402.ErrUnsupportedEffect)
			}

		case program.Equals(solana.SystemProgramID):
			if len(accounts) < 2 {
				return nil, fmt.Errorf("%w: system instruction %d has %d accounts", x402.ErrUnsupportedEffect, i, len(accounts))
			}
			inst, err := system.DecodeInstruction(accounts, ix.Data)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			transfer, ok := inst.Impl.(*system.Transfer)
			if !ok || transfer.Lamports == nil {
				return nil, fmt.Errorf("%w: system instruction %d is not a transfer", x402.ErrUnsupportedEffect, i)
			}
			if !transfer.GetFundingAccount().PublicKey.Equals(payer) {
				return nil, fmt.Errorf("%w: transfer is not funded by the fee payer", x402.ErrUnsupportedEffect)
			}
			transfers = append(transfers, x402.EconomicFields{
				Payer:     payer.String(),
				Recipient: transfer.GetRecipientAccount().PublicKey.String(),
				Amount:    strconv.FormatUint(*transfer.Lamports, 10),
			})

		case program.Equals(solana.TokenProgramID):
			if len(accounts) < 4 {
				return nil, fmt.Errorf("%w: token instruction %d has %d accounts", x402.ErrUnsupportedEffect, i, len(accounts))
			}
			inst, err := token.DecodeInstruction(accounts, ix.Data)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			transfer, ok := inst.Impl.(*token.TransferChecked)
			if !ok || transfer.Amount == nil {
				return nil, fmt.Errorf("%w: token instruction %d is not transferChecked", x402.ErrUnsupportedEffect, i)
			}
			if !transfer.GetOwnerAccount().PublicKey.Equals(payer) {
				return nil, fmt.Errorf("%w: token transfer is not owned by the fee payer", x402.ErrUnsupportedEffect)
			}
			transfers = append(transfers, x402.EconomicFields{
				Payer:     payer.String(),
				Recipient: transfer.GetDestinationAccount().PublicKey.String(),
				Amount:    strconv.FormatUint(*transfer.Amount, 10),
				Asset:     transfer.GetMintAccount().PublicKey.String(),
			})

		default:
			return nil, fmt.Errorf("%w: program %s", x402.ErrUnsupportedEffect, program)
		}
	}
	return transfers, nil
}

// associatedTokenAccount derives the token account a payee receives a mint in
func associatedTokenAccount(owner, mint string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner address: %w", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint address: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", err
	}
	return ata.String(), nil
}

// isReplayRejection reports RPC errors meaning the signature already landed
func isReplayRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already been processed") ||
		strings.Contains(msg, "alreadyprocessed")
}
